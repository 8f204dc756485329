package pebble_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voragen/genbatch"
	"github.com/voragen/genbatch/store/pebble"
)

func newStore(t *testing.T) *pebble.Store {
	t.Helper()
	s, err := pebble.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Roundtrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, genbatch.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k1", []byte("v1")))
	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Set(ctx, "k1", []byte("v2")))
	v, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, s.Delete(ctx, "k1"))
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, genbatch.ErrNotFound)
}

func TestStore_KeysByPrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for _, k := range []string{"usage:b", "usage:a", "other:c"} {
		require.NoError(t, s.Set(ctx, k, []byte("1")))
	}

	keys, err := s.Keys(ctx, "usage:")
	require.NoError(t, err)
	assert.Equal(t, []string{"usage:a", "usage:b"}, keys)
}
