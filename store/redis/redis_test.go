//go:build integration

package redis_test

import (
	"context"
	"os"
	"strings"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voragen/genbatch"
	storeredis "github.com/voragen/genbatch/store/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// testPrefix gives each test its own keyspace and cleans it up.
func testPrefix(t *testing.T, client *goredis.Client) string {
	t.Helper()
	prefix := "test:" + t.Name() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return prefix
}

func TestRoundtrip(t *testing.T) {
	client := newTestClient(t)
	prefix := testPrefix(t, client)
	s := storeredis.New(client)
	ctx := context.Background()

	if _, err := s.Get(ctx, prefix+"missing"); err != genbatch.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, prefix+"k1", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := s.Get(ctx, prefix+"k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("expected v1, got %q", v)
	}

	if err := s.Set(ctx, prefix+"k1", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _ = s.Get(ctx, prefix+"k1")
	if string(v) != "v2" {
		t.Fatalf("expected v2 after overwrite, got %q", v)
	}

	if err := s.Delete(ctx, prefix+"k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, prefix+"k1"); err != genbatch.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestKeysByPrefix(t *testing.T) {
	client := newTestClient(t)
	prefix := testPrefix(t, client)
	s := storeredis.New(client)
	ctx := context.Background()

	for _, k := range []string{"usage:a", "usage:b", "other:c"} {
		if err := s.Set(ctx, prefix+k, []byte("1")); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	keys, err := s.Keys(ctx, prefix+"usage:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix+"usage:") {
			t.Fatalf("key %s outside prefix", k)
		}
	}
}

func TestLedgerOnRedis(t *testing.T) {
	client := newTestClient(t)
	testPrefix(t, client)
	s := storeredis.New(client)
	ctx := context.Background()

	l := genbatch.NewLedger(s)
	t.Cleanup(func() { l.ResetAll(ctx) })

	for i := 0; i < 3; i++ {
		if err := l.MarkUsed(ctx, "key-1", genbatch.ServiceImage, true, 3); err != nil {
			t.Fatalf("mark used: %v", err)
		}
	}

	u, err := l.Record(ctx, "key-1", genbatch.ServiceImage)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if u.RequestCount != 3 || !u.Blocked {
		t.Fatalf("unexpected usage: %+v", u)
	}
}
