package genbatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxJitter   = time.Second
)

// RetryPolicy bounds retries around a single upstream call.
type RetryPolicy struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 1s
	MaxJitter   time.Duration // extra random delay on throttled retries, default 1s
	Logger      *slog.Logger  // nil disables retry logging
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxJitter <= 0 {
		p.MaxJitter = defaultMaxJitter
	}
	return p
}

// Do runs op until it succeeds, fails fatally, or exhausts the attempt
// budget, in which case the last error is returned.
//
// Backoff depends on the error class: throttling gets exponential
// backoff plus random jitter (and a warning, since throttling is
// expected under load); auth failures abort immediately; everything
// else gets plain exponential backoff.
func Do[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if IsFatal(err) {
			return zero, err
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.BaseDelay << attempt
		if isThrottled(err) {
			delay += time.Duration(rand.Int63n(int64(p.MaxJitter)))
			if p.Logger != nil {
				p.Logger.Warn("backend throttled, backing off",
					"attempt", attempt+1,
					"delay_ms", delay.Milliseconds(),
				)
			}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

func isThrottled(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
