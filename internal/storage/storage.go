// Package storage defines the column-family sink the pipeline writes to and
// the pieces shared by every backend: row construction and table provisioning.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/ngsisink/internal/notification"
)

const (
	// DefaultFamily is the single column family of every table.
	DefaultFamily = "cf"
	// TimestampColumn holds the observation time of a row.
	TimestampColumn = "timestamp"
)

var (
	ErrTableExists    = errors.New("table already exists")
	ErrUnknownTable   = errors.New("table does not exist")
	ErrTableProvision = errors.New("table provision failure")
	ErrStorageWrite   = errors.New("storage write failure")
)

// Backend is a column-family store with one family per table.
type Backend interface {
	TableExists(ctx context.Context, table string) (bool, error)
	// CreateTable returns ErrTableExists (possibly wrapped) if the table is
	// already present.
	CreateTable(ctx context.Context, table, family string) error
	Put(ctx context.Context, table string, row Row) error
	Close() error
}

// Row is one persisted record.
type Row struct {
	Key     string
	Family  string
	Columns map[string][]byte
}

// RowBuilder turns updates into rows with collision-free keys.
type RowBuilder struct {
	family string
	seq    atomic.Uint64
}

// NewRowBuilder creates a RowBuilder writing into family.
func NewRowBuilder(family string) *RowBuilder {
	if family == "" {
		family = DefaultFamily
	}
	return &RowBuilder{family: family}
}

// Family returns the column family rows are built for.
func (b *RowBuilder) Family() string { return b.family }

// keyTimeLayout is fixed-width so keys of one entity sort by time.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Build converts an update into a row: one column per present attribute plus
// the timestamp column. The key is "<id>_<observed time>_<sequence>".
func (b *RowBuilder) Build(u notification.Update) Row {
	ts := u.ObservedAt.UTC()
	seq := b.seq.Add(1)
	row := Row{
		Key:     fmt.Sprintf("%s_%s_%010d", u.ID, ts.Format(keyTimeLayout), seq),
		Family:  b.family,
		Columns: make(map[string][]byte, len(u.Attributes)+1),
	}
	for name, v := range u.Attributes {
		if v == nil {
			continue
		}
		row.Columns[name] = []byte(strconv.FormatFloat(*v, 'f', -1, 64))
	}
	row.Columns[TimestampColumn] = []byte(ts.Format(time.RFC3339Nano))
	return row
}
