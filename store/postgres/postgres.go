// Package postgres provides a PostgreSQL-backed Store for genbatch.
//
// Each record is one row in a key/value table; EnsureSchema creates it.
// Durable across restarts and safe for several processes.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voragen/genbatch"
)

// Store is a PostgreSQL-backed Store.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

var _ genbatch.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTable sets the table name (default "genbatch_usage").
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// New creates a PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:  pool,
		table: "genbatch_usage",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the backing table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("genbatch: postgres ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)

	var value []byte
	err := s.pool.QueryRow(ctx, q, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, genbatch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("genbatch: postgres get: %w", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`, s.table)
	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("genbatch: postgres set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, q, key); err != nil {
		return fmt.Errorf("genbatch: postgres delete: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	q := fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1 || '%%' ORDER BY key`, s.table)

	rows, err := s.pool.Query(ctx, q, prefix)
	if err != nil {
		return nil, fmt.Errorf("genbatch: postgres keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("genbatch: postgres keys: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("genbatch: postgres keys: %w", err)
	}
	return keys, nil
}
