package genbatch

import (
	"context"
	"time"
)

// Selector picks a usable key for one unit of work. Keys are scanned in
// declaration order and the first qualifying key wins; fairness comes
// from re-selection per item, since earlier keys drop out as they
// saturate.
type Selector struct {
	keys   []string
	ledger *Ledger
	now    func() time.Time
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithSelectorClock overrides the wall clock, for tests.
func WithSelectorClock(now func() time.Time) SelectorOption {
	return func(s *Selector) { s.now = now }
}

// NewSelector creates a Selector over the configured keys.
func NewSelector(keys []string, ledger *Ledger, opts ...SelectorOption) *Selector {
	s := &Selector{
		keys:   keys,
		ledger: ledger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pick returns the first key with remaining budget for svc, or
// ErrKeysExhausted when every key is over its daily cap or inside its
// minute window. Keys found at or over the daily cap are blocked as a
// side effect.
//
// The minute budget is approximated by a recency check on LastUsedAt
// rather than a sliding counter; slight over- or under-admission against
// the nominal per-minute policy is accepted.
func (s *Selector) Pick(ctx context.Context, svc Service, limit RateLimit) (string, error) {
	for _, key := range s.keys {
		u, err := s.ledger.Record(ctx, key, svc)
		if err != nil {
			return "", err
		}

		if limit.PerDay > 0 && u.RequestCount >= limit.PerDay {
			if !u.Blocked {
				if err := s.ledger.Block(ctx, key, svc); err != nil {
					return "", err
				}
			}
			continue
		}
		if u.Blocked {
			continue
		}

		if limit.PerMinute > 0 && !u.LastUsedAt.IsZero() {
			interval := time.Minute / time.Duration(limit.PerMinute)
			if s.now().Sub(u.LastUsedAt) < interval {
				continue
			}
		}

		return key, nil
	}

	return "", ErrKeysExhausted
}
