// Package badgerstore is an embedded column-family backend on BadgerDB.
//
// Key layout:
//
//	t\x00<table>                                  -> column family name
//	r\x00<table>\x00<row key>\x00<family>:<column> -> cell value
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/gyaneshwarpardhi/ngsisink/internal/storage"
)

const sep = "\x00"

// Options configures the BadgerDB store.
type Options struct {
	// Path to the database directory. If empty, uses in-memory mode.
	Path string
	// Logger receives BadgerDB's own log lines. If nil, they are discarded.
	Logger *slog.Logger
}

// Store is a storage.Backend backed by BadgerDB.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database.
func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(slogAdapter{opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

func tableKey(table string) []byte {
	return []byte("t" + sep + table)
}

func rowPrefix(table string) []byte {
	return []byte("r" + sep + table + sep)
}

func cellKey(table, row, family, column string) []byte {
	return []byte("r" + sep + table + sep + row + sep + family + ":" + column)
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(tableKey(table))
		switch {
		case err == nil:
			exists = true
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", table, err)
	}
	return exists, nil
}

func (s *Store) CreateTable(ctx context.Context, table, family string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(tableKey(table))
		if err == nil {
			return storage.ErrTableExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(tableKey(table), []byte(family))
	})
	// A conflicting transaction touched the same key: another writer created it.
	if errors.Is(err, badger.ErrConflict) {
		err = storage.ErrTableExists
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, table string, row storage.Row) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(tableKey(table))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrUnknownTable
		}
		if err != nil {
			return err
		}
		family, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(family) != row.Family {
			return fmt.Errorf("unknown column family %q", row.Family)
		}
		for col, val := range row.Columns {
			if err := txn.Set(cellKey(table, row.Key, row.Family, col), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, row.Key, err)
	}
	return nil
}

// Rows reads back every row of a table in key order.
func (s *Store) Rows(ctx context.Context, table string) ([]storage.Row, error) {
	var rows []storage.Row
	prefix := rowPrefix(table)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			rest := bytes.TrimPrefix(item.Key(), prefix)
			rowKey, qualified, ok := strings.Cut(string(rest), sep)
			if !ok {
				continue
			}
			family, column, _ := strings.Cut(qualified, ":")
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if n := len(rows); n == 0 || rows[n-1].Key != rowKey {
				rows = append(rows, storage.Row{Key: rowKey, Family: family, Columns: make(map[string][]byte)})
			}
			rows[len(rows)-1].Columns[column] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	return rows, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// slogAdapter satisfies badger.Logger.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...interface{}) {
	a.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a slogAdapter) Warningf(format string, args ...interface{}) {
	a.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a slogAdapter) Infof(format string, args ...interface{}) {
	a.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a slogAdapter) Debugf(format string, args ...interface{}) {
	a.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
