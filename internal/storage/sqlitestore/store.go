// Package sqlitestore keeps the column-family layout in a SQLite file: each
// table stores one record per cell (row key, family, qualifier, value).
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/ngsisink/internal/storage"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open initializes the database, creating directories as needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS column_families (
		table_name TEXT PRIMARY KEY,
		family TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// reservedPrefix marks names SQLite keeps for itself.
const reservedPrefix = "sqlite_"

// physical maps a table name to the SQLite table holding it. Names SQLite
// reserves get a "t-" prefix, which no normalized type can produce;
// column_families keeps the logical name.
func physical(table string) string {
	if strings.HasPrefix(strings.ToLower(table), reservedPrefix) {
		return "t-" + table
	}
	return table
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?;`, physical(table),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", table, err)
	}
	return n > 0, nil
}

func (s *Store) CreateTable(ctx context.Context, table, family string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?;`, physical(table),
	).Scan(&n); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	if n > 0 {
		return fmt.Errorf("create table %s: %w", table, storage.ErrTableExists)
	}

	stmt := fmt.Sprintf(`CREATE TABLE %s (
		row_key TEXT NOT NULL,
		family TEXT NOT NULL,
		qualifier TEXT NOT NULL,
		value BLOB,
		PRIMARY KEY (row_key, family, qualifier)
	);`, quote(physical(table)))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO column_families (table_name, family) VALUES (?, ?);`, table, family,
	); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return tx.Commit()
}

func (s *Store) Put(ctx context.Context, table string, row storage.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, row.Key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var family string
	err = tx.QueryRowContext(ctx,
		`SELECT family FROM column_families WHERE table_name = ?;`, table,
	).Scan(&family)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("put %s/%s: %w", table, row.Key, storage.ErrUnknownTable)
	}
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, row.Key, err)
	}
	if family != row.Family {
		return fmt.Errorf("put %s/%s: unknown column family %q", table, row.Key, row.Family)
	}

	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (row_key, family, qualifier, value) VALUES (?, ?, ?, ?);`, quote(physical(table)))
	for col, val := range row.Columns {
		if _, err := tx.ExecContext(ctx, stmt, row.Key, row.Family, col, val); err != nil {
			return fmt.Errorf("put %s/%s: %w", table, row.Key, err)
		}
	}
	return tx.Commit()
}

// Rows reads back every row of a table in key order.
func (s *Store) Rows(ctx context.Context, table string) ([]storage.Row, error) {
	rs, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT row_key, family, qualifier, value FROM %s ORDER BY row_key, qualifier;`, quote(physical(table))))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	defer rs.Close()

	var rows []storage.Row
	for rs.Next() {
		var key, family, qualifier string
		var value []byte
		if err := rs.Scan(&key, &family, &qualifier, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if n := len(rows); n == 0 || rows[n-1].Key != key {
			rows = append(rows, storage.Row{Key: key, Family: family, Columns: make(map[string][]byte)})
		}
		rows[len(rows)-1].Columns[qualifier] = value
	}
	return rows, rs.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
