package genbatch

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify failures with errors.Is rather than
// inspecting message text.
var (
	ErrNoKeys             = errors.New("genbatch: no API keys configured")
	ErrKeysExhausted      = errors.New("genbatch: no available keys")
	ErrRateLimited        = errors.New("genbatch: rate limited by backend")
	ErrAuthFailed         = errors.New("genbatch: authentication failed")
	ErrInvalidRequest     = errors.New("genbatch: invalid request")
	ErrBackendUnavailable = errors.New("genbatch: backend unavailable")
	ErrMalformedResponse  = errors.New("genbatch: malformed backend response")
)

// ItemError wraps an error with the context of the item it failed.
type ItemError struct {
	Err          error
	Service      Service
	ChunkIndex   int
	VariantIndex int
	Attempts     int
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("genbatch: service=%s item=%d/%d attempts=%d: %v",
		e.Service, e.ChunkIndex, e.VariantIndex, e.Attempts, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error must not be retried: the key (or the
// request itself) is bad, or no key has quota left.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrKeysExhausted)
}

// IsRetryable returns true if a later attempt may succeed.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}
