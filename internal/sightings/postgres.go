package sightings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// TxBeginner is the minimal pool interface the Postgres store needs.
// *db.Pool and *pgxpool.Pool satisfy it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

const insertSighting = `-- name: InsertSighting :exec
INSERT INTO sightings (key, seen_at)
VALUES ($1, $2)
`

const deleteAllSightings = `-- name: DeleteAllSightings :exec
DELETE FROM sightings
`

const listSightings = `-- name: ListSightings :many
SELECT key, seen_at
FROM sightings
ORDER BY key, id
`

// PostgresStore is a Store backed by the sightings table of a Postgres
// database. Each operation runs in its own transaction.
type PostgresStore struct {
	mu sync.Mutex
	db TxBeginner
}

func NewPostgresStore(db TxBeginner) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("postgres store requires a pool")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := pgx.BeginFunc(ctx, s.db, fn); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (s *PostgresStore) AppendSightings(ctx context.Context, devices map[string]string, at time.Time) error {
	if len(devices) == 0 {
		return nil
	}
	ts := FormatTimestamp(at)
	keys := sortedKeys(devices)

	return s.withTx(ctx, "append", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, key := range keys {
			batch.Queue(insertSighting, key, ts)
		}
		results := tx.SendBatch(ctx, batch)
		for _, key := range keys {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert %q: %w", key, err)
			}
		}
		return results.Close()
	})
}

func (s *PostgresStore) ClearAll(ctx context.Context) error {
	return s.withTx(ctx, "clear", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, deleteAllSightings)
		return err
	})
}

func (s *PostgresStore) Snapshot(ctx context.Context) ([]Record, error) {
	var b recordBuilder
	err := s.withTx(ctx, "snapshot", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, listSightings)
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}
