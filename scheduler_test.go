package genbatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gb "github.com/voragen/genbatch"
	"github.com/voragen/genbatch/provider/mock"
	"github.com/voragen/genbatch/store"
)

// testConfig disables minute pacing so tests run without inter-wave
// sleeps; daily caps stay enforced.
func testConfig(keys []string, concurrent, perDay int) gb.Config {
	limit := gb.RateLimit{PerDay: perDay}
	return gb.Config{
		Keys:               keys,
		ConcurrentRequests: concurrent,
		Image:              gb.ServiceConfig{RateLimit: limit},
		Voice:              gb.ServiceConfig{RateLimit: limit},
	}
}

func newTestBatcher(t *testing.T, cfg gb.Config, gen *mock.Generator, opts ...gb.BatcherOption) *gb.Batcher {
	t.Helper()
	opts = append(opts,
		gb.WithImageGenerator(gen),
		gb.WithVoiceGenerator(gen),
		gb.WithRetryPolicy(gb.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxJitter: time.Millisecond}),
	)
	b, err := gb.NewBatcher(cfg, store.NewMemoryStore(), opts...)
	require.NoError(t, err)
	return b
}

// Three prompts, two replicas, two keys with plenty of quota: six items,
// all successful, in input order.
func TestRun_FullBatchSucceedsInOrder(t *testing.T) {
	gen := mock.New()
	b := newTestBatcher(t, testConfig([]string{"key-1", "key-2"}, 5, 10), gen)

	items, stats, err := b.Run(context.Background(), gb.BatchRequest{
		Service:  gb.ServiceImage,
		Model:    "imagen-3",
		Prompts:  []string{"a", "b", "c"},
		Replicas: 2,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, gb.Stats{Total: 6, Succeeded: 6, Failed: 0}, stats)

	var got [][2]int
	for _, it := range items {
		assert.Equal(t, gb.StatusSuccess, it.Status)
		assert.NotEmpty(t, it.Payloads)
		got = append(got, [2]int{it.ChunkIndex, it.VariantIndex})
	}
	assert.Equal(t, [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}, got)
}

// Completion order is scrambled by per-prompt latency; output order must
// not be.
func TestRun_OrderingSurvivesCompletionJitter(t *testing.T) {
	latency := map[string]time.Duration{
		"a": 40 * time.Millisecond,
		"b": 5 * time.Millisecond,
		"c": 20 * time.Millisecond,
	}
	gen := mock.New(mock.WithLatencyFunc(func(prompt string) time.Duration {
		return latency[prompt]
	}))
	b := newTestBatcher(t, testConfig([]string{"key-1"}, 6, 100), gen)

	items, stats, err := b.Run(context.Background(), gb.BatchRequest{
		Service:  gb.ServiceVoice,
		Model:    "tts-1",
		Voice:    "Kore",
		Prompts:  []string{"a", "b", "c"},
		Replicas: 2,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 6, stats.Succeeded)

	var got [][2]int
	for _, it := range items {
		got = append(got, [2]int{it.ChunkIndex, it.VariantIndex})
	}
	assert.Equal(t, [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}, got)
}

// One item always fails fatally; the other four still succeed.
func TestRun_PartialFailureIsIsolated(t *testing.T) {
	gen := mock.New(mock.WithErrorFor("p3", gb.ErrInvalidRequest))
	b := newTestBatcher(t, testConfig([]string{"key-1", "key-2"}, 5, 100), gen)

	items, stats, err := b.Run(context.Background(), gb.BatchRequest{
		Service: gb.ServiceImage,
		Model:   "imagen-3",
		Prompts: []string{"p1", "p2", "p3", "p4", "p5"},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, gb.Stats{Total: 5, Succeeded: 4, Failed: 1}, stats)

	for _, it := range items {
		if it.Input == "p3" {
			assert.Equal(t, gb.StatusError, it.Status)
			assert.Contains(t, it.Error, "invalid request")
		} else {
			assert.Equal(t, gb.StatusSuccess, it.Status)
		}
	}
}

// Once the single key hits its daily cap, later items fail with an
// exhaustion message without aborting the batch.
func TestRun_ExhaustionTerminatesRemainingItems(t *testing.T) {
	gen := mock.New()
	b := newTestBatcher(t, testConfig([]string{"key-1"}, 1, 2), gen)

	items, stats, err := b.Run(context.Background(), gb.BatchRequest{
		Service: gb.ServiceImage,
		Model:   "imagen-3",
		Prompts: []string{"p1", "p2", "p3", "p4"},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, gb.Stats{Total: 4, Succeeded: 2, Failed: 2}, stats)

	assert.Equal(t, gb.StatusSuccess, items[0].Status)
	assert.Equal(t, gb.StatusSuccess, items[1].Status)
	for _, it := range items[2:] {
		assert.Equal(t, gb.StatusError, it.Status)
		assert.Contains(t, it.Error, "no available keys")
	}
}

// Exhausting the image quota leaves the same key usable for voice work.
func TestRun_ExhaustionIsServiceScoped(t *testing.T) {
	gen := mock.New()
	cfg := gb.Config{
		Keys:               []string{"key-1"},
		ConcurrentRequests: 1,
		Image:              gb.ServiceConfig{RateLimit: gb.RateLimit{PerDay: 1}},
		Voice:              gb.ServiceConfig{RateLimit: gb.RateLimit{PerDay: 10}},
	}
	b := newTestBatcher(t, cfg, gen)

	_, stats, err := b.Run(context.Background(), gb.BatchRequest{
		Service: gb.ServiceImage,
		Model:   "imagen-3",
		Prompts: []string{"p1", "p2"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, gb.Stats{Total: 2, Succeeded: 1, Failed: 1}, stats)

	_, stats, err = b.Run(context.Background(), gb.BatchRequest{
		Service: gb.ServiceVoice,
		Model:   "tts-1",
		Voice:   "Kore",
		Prompts: []string{"hello"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, gb.Stats{Total: 1, Succeeded: 1, Failed: 0}, stats)
}

func TestRun_ProgressCallbacks(t *testing.T) {
	gen := mock.New()
	b := newTestBatcher(t, testConfig([]string{"key-1"}, 2, 100), gen)

	var (
		mu       sync.Mutex
		events   int
		initial  []gb.WorkItem
		lastSnap gb.ProgressSnapshot
	)
	_, _, err := b.Run(context.Background(), gb.BatchRequest{
		Service: gb.ServiceImage,
		Model:   "imagen-3",
		Prompts: []string{"p1", "p2", "p3"},
	}, func(snap gb.ProgressSnapshot, items []gb.WorkItem) {
		mu.Lock()
		defer mu.Unlock()
		if events == 0 {
			initial = items
		}
		events++
		lastSnap = snap
	})

	require.NoError(t, err)
	// One placeholder emission plus one delta per item.
	assert.Equal(t, 4, events)
	require.Len(t, initial, 3)
	for _, it := range initial {
		assert.Equal(t, gb.StatusGenerating, it.Status)
	}
	assert.Equal(t, 3, lastSnap.Completed)
	assert.Equal(t, 0, lastSnap.Failed)
	assert.Equal(t, 3, lastSnap.Total)
}

// Cancellation between waves terminates the remaining items instead of
// leaving them generating.
func TestRun_CancelBetweenWaves(t *testing.T) {
	gen := mock.New()
	b := newTestBatcher(t, testConfig([]string{"key-1"}, 2, 100), gen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	items, stats, err := b.Run(ctx, gb.BatchRequest{
		Service: gb.ServiceImage,
		Model:   "imagen-3",
		Prompts: []string{"p1", "p2", "p3", "p4"},
	}, func(snap gb.ProgressSnapshot, _ []gb.WorkItem) {
		if snap.Completed+snap.Failed == 2 {
			cancel()
		}
	})

	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)

	for _, it := range items[2:] {
		assert.Equal(t, gb.StatusError, it.Status)
		assert.Contains(t, it.Error, "canceled")
	}
}

func TestRun_ValidationErrors(t *testing.T) {
	gen := mock.New()

	t.Run("unknown service", func(t *testing.T) {
		b := newTestBatcher(t, testConfig([]string{"key-1"}, 1, 10), gen)
		_, _, err := b.Run(context.Background(), gb.BatchRequest{
			Service: "video",
			Prompts: []string{"p"},
		}, nil)
		assert.ErrorIs(t, err, gb.ErrInvalidRequest)
	})

	t.Run("no prompts", func(t *testing.T) {
		b := newTestBatcher(t, testConfig([]string{"key-1"}, 1, 10), gen)
		_, _, err := b.Run(context.Background(), gb.BatchRequest{
			Service: gb.ServiceImage,
		}, nil)
		assert.ErrorIs(t, err, gb.ErrInvalidRequest)
	})

	t.Run("missing generator", func(t *testing.T) {
		b, err := gb.NewBatcher(testConfig([]string{"key-1"}, 1, 10), store.NewMemoryStore())
		require.NoError(t, err)
		_, _, err = b.Run(context.Background(), gb.BatchRequest{
			Service: gb.ServiceImage,
			Prompts: []string{"p"},
		}, nil)
		assert.ErrorIs(t, err, gb.ErrInvalidRequest)
	})
}

func TestNewBatcher_RequiresKeysAndStore(t *testing.T) {
	_, err := gb.NewBatcher(gb.Config{}, store.NewMemoryStore())
	assert.ErrorIs(t, err, gb.ErrNoKeys)

	_, err = gb.NewBatcher(testConfig([]string{"key-1"}, 1, 10), nil)
	assert.Error(t, err)
}

func TestRegenerateOne(t *testing.T) {
	gen := mock.New(mock.WithErrorFor("bad prompt", gb.ErrInvalidRequest))
	b := newTestBatcher(t, testConfig([]string{"key-1"}, 2, 100), gen)

	req := gb.BatchRequest{
		Service: gb.ServiceImage,
		Model:   "imagen-3",
		Prompts: []string{"fine", "bad prompt"},
	}
	items, stats, err := b.Run(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)

	failed := items[1]
	require.Equal(t, gb.StatusError, failed.Status)

	redone, err := b.RegenerateOne(context.Background(), failed, "better prompt", req)
	require.NoError(t, err)
	assert.Equal(t, gb.StatusSuccess, redone.Status)
	assert.Equal(t, "better prompt", redone.Input)
	assert.Equal(t, failed.ChunkIndex, redone.ChunkIndex)
	assert.Equal(t, failed.VariantIndex, redone.VariantIndex)
	assert.Equal(t, failed.Batch, redone.Batch)
	assert.NotEqual(t, failed.ID, redone.ID)
}

// Items that fail transiently inside the retry budget still settle as
// successes.
func TestRun_TransientFailuresRecover(t *testing.T) {
	gen := mock.New(mock.WithErrorScript(gb.ErrRateLimited, gb.ErrRateLimited, nil))
	b := newTestBatcher(t, testConfig([]string{"key-1"}, 1, 100), gen)

	_, stats, err := b.Run(context.Background(), gb.BatchRequest{
		Service: gb.ServiceImage,
		Model:   "imagen-3",
		Prompts: []string{"p1"},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, gb.Stats{Total: 1, Succeeded: 1, Failed: 0}, stats)
	assert.EqualValues(t, 3, gen.CallCount())
}

// flakySetStore fails every write after the first, simulating a usage
// store that degrades mid-batch.
type flakySetStore struct {
	inner *store.MemoryStore
	sets  atomic.Int32
}

func (s *flakySetStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, key)
}

func (s *flakySetStore) Set(ctx context.Context, key string, value []byte) error {
	if s.sets.Add(1) > 1 {
		return errors.New("store write failed")
	}
	return s.inner.Set(ctx, key, value)
}

func (s *flakySetStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *flakySetStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.Keys(ctx, prefix)
}

type captureMeter struct {
	mu   sync.Mutex
	done []gb.ItemDoneEvent
}

func (m *captureMeter) OnItemStart(gb.ItemStartEvent) {}
func (m *captureMeter) OnWave(gb.WaveEvent)           {}

func (m *captureMeter) OnItemDone(e gb.ItemDoneEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = append(m.done, e)
}

// A failed usage attribution must not flip a generated result into a
// failure, but the meter has to see it.
func TestRun_AttributionFailureIsReportedNotFatal(t *testing.T) {
	gen := mock.New()
	st := &flakySetStore{inner: store.NewMemoryStore()}
	cm := &captureMeter{}

	b, err := gb.NewBatcher(testConfig([]string{"key-1"}, 1, 100), st,
		gb.WithImageGenerator(gen),
		gb.WithMeter(cm),
	)
	require.NoError(t, err)

	items, stats, err := b.Run(context.Background(), gb.BatchRequest{
		Service: gb.ServiceImage,
		Model:   "imagen-3",
		Prompts: []string{"p1"},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, gb.Stats{Total: 1, Succeeded: 1, Failed: 0}, stats)
	assert.Equal(t, gb.StatusSuccess, items[0].Status)

	require.Len(t, cm.done, 1)
	assert.True(t, cm.done[0].Success)
	assert.ErrorContains(t, cm.done[0].LedgerErr, "store write failed")
}

func TestRun_MinuteLimiterStillCompletes(t *testing.T) {
	gen := mock.New()
	cfg := gb.Config{
		Keys:               []string{"key-1", "key-2", "key-3"},
		ConcurrentRequests: 4,
		Image:              gb.ServiceConfig{RateLimit: gb.RateLimit{PerMinute: 6000, PerDay: 100}},
	}
	b := newTestBatcher(t, cfg, gen, gb.WithMinuteLimiter())

	items, stats, err := b.Run(context.Background(), gb.BatchRequest{
		Service: gb.ServiceImage,
		Model:   "imagen-3",
		Prompts: []string{"p1", "p2", "p3"},
	}, nil)

	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 3, stats.Succeeded)
}
