// Package retry is a small bounded-retry policy with exponential backoff
// and jitter. Which errors are worth retrying is the caller's decision,
// passed in as a predicate.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes how a call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retriable decides per error. A nil predicate retries everything.
	Retriable func(error) bool
}

// DefaultPolicy suits provider API calls: a few attempts, sub-second start.
func DefaultPolicy(retriable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Retriable:   retriable,
	}
}

// Do runs fn until it succeeds, the error is not retriable, attempts run
// out, or the context is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay(attempt)):
			}
		}

		if err = fn(); err == nil {
			return nil
		}
		if p.Retriable != nil && !p.Retriable(err) {
			return err
		}
	}
	return err
}

// delay is exponential in the attempt number with up to 50% random jitter.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
