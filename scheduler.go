package genbatch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Batcher drives batches of generation work: it materializes work
// items, partitions them into concurrency-bounded waves, selects a key
// per item, runs the backend call through the retry policy, attributes
// usage to the ledger, and paces between waves to stay near the
// per-minute ceiling.
//
// All item mutations funnel through a single mutex, so a Batcher is
// safe to share, but quota checks remain advisory: between selecting a
// key and marking it used, another task may select the same key, and
// slight over-admission past the nominal ceiling is tolerated.
type Batcher struct {
	cfg        Config
	image      ImageGenerator
	voice      VoiceGenerator
	ledger     *Ledger
	selector   *Selector
	meter      Meter
	retry      RetryPolicy
	now        func() time.Time
	bucketPace bool
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithImageGenerator sets the image backend.
func WithImageGenerator(g ImageGenerator) BatcherOption {
	return func(b *Batcher) { b.image = g }
}

// WithVoiceGenerator sets the voice backend.
func WithVoiceGenerator(g VoiceGenerator) BatcherOption {
	return func(b *Batcher) { b.voice = g }
}

// WithMeter sets the meter.
func WithMeter(m Meter) BatcherOption {
	return func(b *Batcher) { b.meter = m }
}

// WithRetryPolicy sets the retry policy for backend calls.
func WithRetryPolicy(p RetryPolicy) BatcherOption {
	return func(b *Batcher) { b.retry = p }
}

// WithClock overrides the wall clock, for tests. Applies to the ledger
// and selector as well.
func WithClock(now func() time.Time) BatcherOption {
	return func(b *Batcher) { b.now = now }
}

// WithMinuteLimiter adds a token-bucket gate on every backend call,
// sized to the service's per-minute limit. The selector's recency check
// stays in place; the bucket tightens it toward true per-minute
// compliance for workloads that need it.
func WithMinuteLimiter() BatcherOption {
	return func(b *Batcher) { b.bucketPace = true }
}

// NewBatcher creates a Batcher over cfg and the given usage store.
func NewBatcher(cfg Config, store Store, opts ...BatcherOption) (*Batcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("genbatch: a usage store is required")
	}

	b := &Batcher{
		cfg:   cfg,
		meter: noopMeter{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.ledger = NewLedger(store, WithLedgerClock(b.now))
	b.selector = NewSelector(cfg.Keys, b.ledger, WithSelectorClock(b.now))

	return b, nil
}

// Ledger exposes the batcher's quota ledger, e.g. for operator resets.
func (b *Batcher) Ledger() *Ledger { return b.ledger }

// Run executes one batch and returns the full, ordered result list with
// aggregate stats. Every item comes back in a terminal state; per-item
// failures never abort the batch. Only pre-wave validation errors are
// returned as err.
//
// onProgress, when non-nil, is invoked once up front with every item in
// the Generating state, then once per settled item. Callbacks are
// serialized but settle order is nondeterministic.
func (b *Batcher) Run(ctx context.Context, req BatchRequest, onProgress ProgressFunc) ([]WorkItem, Stats, error) {
	if err := b.validateRequest(req); err != nil {
		return nil, Stats{}, err
	}

	limit := b.cfg.LimitFor(req.Service, req.Model)
	items := b.materialize(req)

	prog := &progress{
		snap:       ProgressSnapshot{Total: len(items)},
		onProgress: onProgress,
	}
	prog.emitAll(items)

	var limiter *rate.Limiter
	if b.bucketPace && limit.PerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(limit.PerMinute)/60.0), 1)
	}

	waveSize := b.waveSize(limit)
	waveIndex := 0
	canceled := false

	for start := 0; start < len(items); start += waveSize {
		if ctx.Err() != nil {
			canceled = true
			break
		}

		end := min(start+waveSize, len(items))
		wave := items[start:end]

		b.meter.OnWave(WaveEvent{Service: req.Service, Index: waveIndex, Size: len(wave)})
		waveIndex++

		g := new(errgroup.Group)
		for i := range wave {
			item := &wave[i]
			g.Go(func() error {
				b.processItem(ctx, item, req, limit, limiter, prog)
				return nil
			})
		}
		_ = g.Wait()

		if end < len(items) && limit.PerMinute > 0 {
			if !b.sleep(ctx, waveDelay(limit.PerMinute)) {
				canceled = true
				break
			}
		}
	}

	if canceled {
		prog.cancelRemaining(items)
	}

	SortItems(items)
	return items, Summarize(items), nil
}

// RegenerateOne re-runs a single item through the same key selection
// and retry path, returning a fresh WorkItem that keeps the original's
// batch stamp and indices. newInput replaces the prompt when non-empty.
func (b *Batcher) RegenerateOne(ctx context.Context, prev WorkItem, newInput string, req BatchRequest) (WorkItem, error) {
	if !req.Service.Valid() {
		return WorkItem{}, fmt.Errorf("genbatch: unknown service %q: %w", req.Service, ErrInvalidRequest)
	}
	if err := b.checkGenerator(req.Service); err != nil {
		return WorkItem{}, err
	}

	input := newInput
	if input == "" {
		input = prev.Input
	}

	item := WorkItem{
		ID:           uuid.New().String(),
		Batch:        prev.Batch,
		ChunkIndex:   prev.ChunkIndex,
		VariantIndex: prev.VariantIndex,
		Input:        input,
		Status:       StatusGenerating,
	}

	limit := b.cfg.LimitFor(req.Service, req.Model)
	prog := &progress{snap: ProgressSnapshot{Total: 1}}
	b.processItem(ctx, &item, req, limit, nil, prog)

	return item, nil
}

func (b *Batcher) processItem(ctx context.Context, item *WorkItem, req BatchRequest, limit RateLimit, limiter *rate.Limiter, prog *progress) {
	start := time.Now()

	key, err := b.selector.Pick(ctx, req.Service, limit)
	if err != nil {
		b.finishItem(item, req, "", nil, err, nil, 0, time.Since(start), prog)
		return
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			b.finishItem(item, req, key, nil, err, nil, 0, time.Since(start), prog)
			return
		}
	}

	b.meter.OnItemStart(ItemStartEvent{
		Service:      req.Service,
		Model:        req.Model,
		Key:          key,
		ChunkIndex:   item.ChunkIndex,
		VariantIndex: item.VariantIndex,
	})

	attempts := 0
	payloads, err := Do(ctx, b.retry, func(ctx context.Context) ([][]byte, error) {
		attempts++
		return b.call(ctx, key, req, item.Input)
	})

	// Quota attribution is best effort; a store hiccup must not flip a
	// generated result into a failure. The meter still sees it.
	ledgerErr := b.ledger.MarkUsed(ctx, key, req.Service, err == nil, limit.PerDay)

	b.finishItem(item, req, key, payloads, err, ledgerErr, attempts, time.Since(start), prog)
}

func (b *Batcher) finishItem(item *WorkItem, req BatchRequest, key string, payloads [][]byte, err, ledgerErr error, attempts int, dur time.Duration, prog *progress) {
	if err != nil {
		err = &ItemError{
			Err:          err,
			Service:      req.Service,
			ChunkIndex:   item.ChunkIndex,
			VariantIndex: item.VariantIndex,
			Attempts:     attempts,
		}
	}

	b.meter.OnItemDone(ItemDoneEvent{
		Service:      req.Service,
		Model:        req.Model,
		Key:          key,
		ChunkIndex:   item.ChunkIndex,
		VariantIndex: item.VariantIndex,
		Success:      err == nil,
		Duration:     dur,
		Err:          err,
		LedgerErr:    ledgerErr,
	})

	prog.settle(item, payloads, err)
}

func (b *Batcher) call(ctx context.Context, key string, req BatchRequest, prompt string) ([][]byte, error) {
	switch req.Service {
	case ServiceImage:
		count := req.ImageCount
		if count <= 0 {
			count = 1
		}
		return b.image.GenerateImages(ctx, key, ImageRequest{
			Model:       req.Model,
			Prompt:      prompt,
			AspectRatio: req.AspectRatio,
			Count:       count,
		})
	case ServiceVoice:
		audio, err := b.voice.GenerateSpeech(ctx, key, VoiceRequest{
			Model:  req.Model,
			Prompt: prompt,
			Voice:  req.Voice,
		})
		if err != nil {
			return nil, err
		}
		return [][]byte{audio}, nil
	default:
		return nil, fmt.Errorf("genbatch: unknown service %q: %w", req.Service, ErrInvalidRequest)
	}
}

func (b *Batcher) materialize(req BatchRequest) []WorkItem {
	replicas := req.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	batch := req.Timestamp
	if batch == 0 {
		batch = b.now().UnixMilli()
	}

	items := make([]WorkItem, 0, len(req.Prompts)*replicas)
	for ci, prompt := range req.Prompts {
		for vi := 0; vi < replicas; vi++ {
			items = append(items, WorkItem{
				ID:           uuid.New().String(),
				Batch:        batch,
				ChunkIndex:   ci,
				VariantIndex: vi,
				Input:        prompt,
				Status:       StatusGenerating,
			})
		}
	}
	return items
}

// waveSize doubles as the in-flight cap and the pacing chunk: roughly
// one minute's worth of allowed throughput per key, so the inter-wave
// sleep approximates the per-minute ceiling.
func (b *Batcher) waveSize(limit RateLimit) int {
	n := len(b.cfg.Keys)
	if limit.PerMinute > 0 && n > 0 {
		if size := min(limit.PerMinute, n) * n; size > 0 {
			return size
		}
	}
	if b.cfg.ConcurrentRequests > 0 {
		return b.cfg.ConcurrentRequests
	}
	return DefaultConcurrentRequests
}

func (b *Batcher) validateRequest(req BatchRequest) error {
	if !req.Service.Valid() {
		return fmt.Errorf("genbatch: unknown service %q: %w", req.Service, ErrInvalidRequest)
	}
	if len(req.Prompts) == 0 {
		return fmt.Errorf("genbatch: at least one prompt is required: %w", ErrInvalidRequest)
	}
	return b.checkGenerator(req.Service)
}

func (b *Batcher) checkGenerator(svc Service) error {
	switch svc {
	case ServiceImage:
		if b.image == nil {
			return fmt.Errorf("genbatch: no image generator configured: %w", ErrInvalidRequest)
		}
	case ServiceVoice:
		if b.voice == nil {
			return fmt.Errorf("genbatch: no voice generator configured: %w", ErrInvalidRequest)
		}
	}
	return nil
}

// sleep waits for d or until ctx is done; returns false on cancellation.
func (b *Batcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// waveDelay is the fixed pacing heuristic between waves, not adaptive
// to observed latency.
func waveDelay(perMinute int) time.Duration {
	return time.Duration(math.Ceil(60/float64(perMinute))) * time.Second
}

// progress serializes item settlement and progress callbacks.
type progress struct {
	mu         sync.Mutex
	snap       ProgressSnapshot
	onProgress ProgressFunc
}

// emitAll reports the freshly materialized placeholder items.
func (p *progress) emitAll(items []WorkItem) {
	if p.onProgress == nil {
		return
	}
	out := make([]WorkItem, len(items))
	copy(out, items)
	p.onProgress(p.snap, out)
}

// settle moves an item to its terminal state and reports the delta.
func (p *progress) settle(item *WorkItem, payloads [][]byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		item.Status = StatusError
		item.Error = err.Error()
		p.snap.Failed++
	} else {
		item.Status = StatusSuccess
		item.Payloads = payloads
		p.snap.Completed++
	}
	p.snap.Current = item.Input

	if p.onProgress != nil {
		p.onProgress(p.snap, []WorkItem{*item})
	}
}

// cancelRemaining terminates items still generating after a mid-batch
// cancellation.
func (p *progress) cancelRemaining(items []WorkItem) {
	for i := range items {
		if items[i].Status != StatusGenerating {
			continue
		}
		p.settle(&items[i], nil, fmt.Errorf("genbatch: batch canceled"))
	}
}
