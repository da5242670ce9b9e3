package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gyaneshwarpardhi/ngsisink/internal/notification"
)

// TableState is the provisioning state of one table.
type TableState int

const (
	StateUnknown TableState = iota
	StateCreating
	StateReady
)

func (s TableState) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ProvisionResult tells a caller how its EnsureTable call was satisfied.
type ProvisionResult int

const (
	// Memoized: the table was already known to be ready.
	Memoized ProvisionResult = iota
	// Existing: the table was found in the backend (e.g. from a previous run).
	Existing
	// Created: this process created the table.
	Created
	// Raced: creation lost to another writer; the table is ready.
	Raced
)

func (r ProvisionResult) String() string {
	switch r {
	case Existing:
		return "existing"
	case Created:
		return "created"
	case Raced:
		return "raced"
	default:
		return "memoized"
	}
}

// Provisioner makes sure a table exists before the first write to it.
// Concurrent callers for the same table share one creation attempt; success
// is remembered for the lifetime of the Provisioner, failure is not.
type Provisioner struct {
	backend Backend
	family  string
	group   singleflight.Group

	mu     sync.Mutex
	states map[string]TableState
}

// NewProvisioner creates a Provisioner that creates tables with one family.
func NewProvisioner(backend Backend, family string) *Provisioner {
	if family == "" {
		family = DefaultFamily
	}
	return &Provisioner{
		backend: backend,
		family:  family,
		states:  make(map[string]TableState),
	}
}

// EnsureTable derives the table name for entityType and makes it ready.
func (p *Provisioner) EnsureTable(ctx context.Context, entityType string) (string, ProvisionResult, error) {
	table := notification.TableName(entityType)
	if p.State(table) == StateReady {
		return table, Memoized, nil
	}

	v, err, _ := p.group.Do(table, func() (interface{}, error) {
		// A previous flight may have finished between the check above and Do.
		if p.State(table) == StateReady {
			return Memoized, nil
		}
		p.setState(table, StateCreating)
		res, err := p.provision(ctx, table)
		if err != nil {
			p.setState(table, StateUnknown)
			return nil, err
		}
		p.setState(table, StateReady)
		return res, nil
	})
	if err != nil {
		return table, 0, err
	}
	return table, v.(ProvisionResult), nil
}

func (p *Provisioner) provision(ctx context.Context, table string) (ProvisionResult, error) {
	exists, err := p.backend.TableExists(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("%w: check %s: %w", ErrTableProvision, table, err)
	}
	if exists {
		return Existing, nil
	}
	err = p.backend.CreateTable(ctx, table, p.family)
	switch {
	case err == nil:
		return Created, nil
	case errors.Is(err, ErrTableExists):
		return Raced, nil
	default:
		return 0, fmt.Errorf("%w: create %s: %w", ErrTableProvision, table, err)
	}
}

// State returns the provisioning state of table.
func (p *Provisioner) State(table string) TableState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[table]
}

func (p *Provisioner) setState(table string, s TableState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == StateUnknown {
		delete(p.states, table)
		return
	}
	p.states[table] = s
}

// Ready returns the names of all tables known to be ready, sorted.
func (p *Provisioner) Ready() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.states))
	for t, s := range p.states {
		if s == StateReady {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
