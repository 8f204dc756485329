package genbatch

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.Get when no value exists for a key.
var ErrNotFound = errors.New("genbatch: key not found")

// Store is the key-value persistence boundary for usage counters.
// Implementations live under store/; all of them are safe for use from
// concurrent batch tasks. Each individual operation is atomic, but the
// ledger makes no cross-operation transactional guarantees.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists all stored keys beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
