// Package pebble provides a Store backed by an embedded Pebble database.
//
// Like the sqlite backend it keeps everything in a local directory, but
// with an LSM engine that tolerates high write rates, which matters
// when large batches attribute usage per item.
package pebble

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/voragen/genbatch"
)

// Store is a Pebble-backed Store.
type Store struct {
	db *pebble.DB
}

var _ genbatch.Store = (*Store)(nil)

// New opens (creating if needed) the Pebble database at dir.
func New(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("genbatch: pebble open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, genbatch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("genbatch: pebble get: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("genbatch: pebble set: %w", err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("genbatch: pebble delete: %w", err)
	}
	return nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	lower := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, fmt.Errorf("genbatch: pebble iter: %w", err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("genbatch: pebble keys: %w", err)
	}
	return keys, nil
}

// keyUpperBound returns the smallest key greater than every key with
// the given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff; no upper bound
}
