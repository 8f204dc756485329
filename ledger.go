package genbatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const usagePrefix = "genbatch:usage:"

// KeyUsage is the per (key, service) usage record. RequestCount only
// ever counts successful calls and is monotonically non-decreasing
// within a calendar day.
type KeyUsage struct {
	RequestCount  int       `json:"request_count"`
	LastResetDate string    `json:"last_reset_date"` // YYYY-MM-DD
	Blocked       bool      `json:"blocked"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// Ledger tracks per-key, per-service usage on top of a Store. One stored
// value per credential holds the records for every service, so image and
// voice quotas for the same key stay independent.
//
// Reads are side-effecting: a record whose LastResetDate is not today is
// reset in place (count to zero, unblocked) before being returned. There
// is no background timer.
//
// Every operation runs its load-modify-save sequence under one mutex, so
// concurrent attribution from a wave of workers never loses increments.
// The window between selecting a key and marking it used remains
// unserialized; slight over-admission there is tolerated.
type Ledger struct {
	store Store
	now   func() time.Time

	mu sync.Mutex
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the wall clock, for tests.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger backed by store.
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record returns the usage record for (key, service), lazily creating it
// and applying the daily reset rule. The reset is persisted immediately.
func (l *Ledger) Record(ctx context.Context, key string, svc Service) (KeyUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx, key)
	if err != nil {
		return KeyUsage{}, err
	}

	today := dateOf(l.now())
	u, ok := records[svc]
	if !ok {
		u = KeyUsage{LastResetDate: today}
		records[svc] = u
		if err := l.save(ctx, key, records); err != nil {
			return KeyUsage{}, err
		}
		return u, nil
	}

	if reset, changed := resetIfNewDay(u, today); changed {
		records[svc] = reset
		if err := l.save(ctx, key, records); err != nil {
			return KeyUsage{}, err
		}
		return reset, nil
	}

	return u, nil
}

// MarkUsed attributes one finished call to (key, service). Only
// successful calls consume quota: on success the count increments,
// LastUsedAt is stamped, and the key is blocked once the count reaches
// dailyLimit. A failed call leaves the record untouched. Counting stops
// at the limit, so the count never exceeds it.
func (l *Ledger) MarkUsed(ctx context.Context, key string, svc Service, success bool, dailyLimit int) error {
	if !success {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx, key)
	if err != nil {
		return err
	}

	today := dateOf(l.now())
	u := records[svc]
	u, _ = resetIfNewDay(u, today)
	if u.LastResetDate == "" {
		u.LastResetDate = today
	}

	if u.Blocked {
		return nil
	}

	u.RequestCount++
	u.LastUsedAt = l.now()
	if dailyLimit > 0 && u.RequestCount >= dailyLimit {
		u.Blocked = true
	}

	records[svc] = u
	return l.save(ctx, key, records)
}

// Block marks (key, service) as blocked for the rest of the day.
func (l *Ledger) Block(ctx context.Context, key string, svc Service) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx, key)
	if err != nil {
		return err
	}

	u := records[svc]
	u, _ = resetIfNewDay(u, dateOf(l.now()))
	if u.LastResetDate == "" {
		u.LastResetDate = dateOf(l.now())
	}
	u.Blocked = true

	records[svc] = u
	return l.save(ctx, key, records)
}

// ResetAll deletes every usage record. Operator escape hatch, e.g. after
// replacing a misconfigured key.
func (l *Ledger) ResetAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys, err := l.store.Keys(ctx, usagePrefix)
	if err != nil {
		return fmt.Errorf("genbatch: list usage records: %w", err)
	}
	for _, k := range keys {
		if err := l.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("genbatch: delete usage record: %w", err)
		}
	}
	return nil
}

func (l *Ledger) load(ctx context.Context, key string) (map[Service]KeyUsage, error) {
	raw, err := l.store.Get(ctx, usagePrefix+key)
	if err == ErrNotFound {
		return make(map[Service]KeyUsage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("genbatch: load usage record: %w", err)
	}

	records := make(map[Service]KeyUsage)
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("genbatch: decode usage record: %w", err)
	}
	return records, nil
}

func (l *Ledger) save(ctx context.Context, key string, records map[Service]KeyUsage) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("genbatch: encode usage record: %w", err)
	}
	if err := l.store.Set(ctx, usagePrefix+key, raw); err != nil {
		return fmt.Errorf("genbatch: save usage record: %w", err)
	}
	return nil
}

// resetIfNewDay applies the lazy daily reset rule. Returns the possibly
// reset record and whether anything changed.
func resetIfNewDay(u KeyUsage, today string) (KeyUsage, bool) {
	if u.LastResetDate == today {
		return u, false
	}
	u.RequestCount = 0
	u.Blocked = false
	u.LastResetDate = today
	return u, true
}

func dateOf(t time.Time) string {
	return t.Format("2006-01-02")
}
