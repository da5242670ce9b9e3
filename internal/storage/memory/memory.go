// Package memory is an in-process storage backend. It keeps nothing across
// restarts and is meant for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/ngsisink/internal/storage"
)

type table struct {
	family string
	rows   map[string]storage.Row
}

// Store is a map-backed storage.Backend.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table

	// Hooks let tests inject failures; nil means succeed.
	OnCreate func(table string) error
	OnPut    func(table string, row storage.Row) error

	creates int
}

// New returns an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[name]
	return ok, nil
}

func (s *Store) CreateTable(ctx context.Context, name, family string) error {
	if s.OnCreate != nil {
		if err := s.OnCreate(name); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return fmt.Errorf("create %s: %w", name, storage.ErrTableExists)
	}
	s.tables[name] = &table{family: family, rows: make(map[string]storage.Row)}
	s.creates++
	return nil
}

func (s *Store) Put(ctx context.Context, name string, row storage.Row) error {
	if s.OnPut != nil {
		if err := s.OnPut(name, row); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("put %s: %w", name, storage.ErrUnknownTable)
	}
	if row.Family != t.family {
		return fmt.Errorf("put %s: unknown column family %q", name, row.Family)
	}
	t.rows[row.Key] = row
	return nil
}

func (s *Store) Close() error { return nil }

// Creates returns how many tables this store has created.
func (s *Store) Creates() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creates
}

// Rows returns the rows of a table sorted by key.
func (s *Store) Rows(name string) []storage.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	out := make([]storage.Row, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Tables returns the names of all tables, sorted.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tables))
	for name := range s.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
