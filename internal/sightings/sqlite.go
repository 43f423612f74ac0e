package sightings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the database file used when no location is configured.
const DefaultPath = "device_log.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sightings (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	key     TEXT NOT NULL,
	seen_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sightings_key_id ON sightings(key, id);
`

// SQLiteStore is a Store backed by a SQLite file. The file is opened for
// each operation and closed afterwards; no handle outlives a call.
type SQLiteStore struct {
	mu   sync.Mutex
	path string
}

// NewSQLiteStore returns a store for the database file at path. The file and
// its parent directories are created by the first write; reads never create
// them.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite store path is required")
	}
	// The driver treats everything after '?' as connection parameters.
	if strings.ContainsRune(path, '?') {
		return nil, fmt.Errorf("sqlite store path %q must not contain '?'", path)
	}
	return &SQLiteStore{path: path}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// openForWrite opens the database, creating the file, its directories and
// the schema as needed.
func (s *SQLiteStore) openForWrite(ctx context.Context) (*sql.DB, error) {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := openSQLite(s.path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return db, nil
}

// openForRead opens an existing database without creating anything. It
// returns a nil handle when nothing has been written yet.
func (s *SQLiteStore) openForRead(ctx context.Context) (*sql.DB, error) {
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat database: %w", err)
	}

	db, err := openSQLite(s.path)
	if err != nil {
		return nil, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sightings'").Scan(&n)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	if n == 0 {
		db.Close()
		return nil, nil
	}
	return db, nil
}

// withTx runs fn in a single transaction on a freshly opened database while
// holding the store lock. Read transactions on a store that was never
// written to are skipped and succeed.
func (s *SQLiteStore) withTx(ctx context.Context, op string, write bool, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := s.openForRead
	if write {
		open = s.openForWrite
	}
	db, err := open(ctx)
	if err != nil {
		return storageErr(op, err)
	}
	if db == nil {
		return nil
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (s *SQLiteStore) AppendSightings(ctx context.Context, devices map[string]string, at time.Time) error {
	if len(devices) == 0 {
		return nil
	}
	ts := FormatTimestamp(at)
	keys := sortedKeys(devices)

	return s.withTx(ctx, "append", true, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO sightings (key, seen_at) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, key := range keys {
			if _, err := stmt.ExecContext(ctx, key, ts); err != nil {
				return fmt.Errorf("insert %q: %w", key, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	return s.withTx(ctx, "clear", true, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM sightings")
		return err
	})
}

func (s *SQLiteStore) Snapshot(ctx context.Context) ([]Record, error) {
	var b recordBuilder
	err := s.withTx(ctx, "snapshot", false, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT key, seen_at FROM sightings ORDER BY key, id")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var key, ts string
			if err := rows.Scan(&key, &ts); err != nil {
				return err
			}
			b.add(key, ts)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return b.records(), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.withTx(ctx, "ping", false, func(tx *sql.Tx) error {
		var n int
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sightings").Scan(&n)
	})
}
