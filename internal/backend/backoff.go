package backend

import (
	"context"
	"time"
)

// Backoff is a bounded exponential backoff: fixed initial delay, fixed
// multiplier, fixed ceiling. Shared by request retries, job polling and
// recovery fetches.
type Backoff struct {
	Initial     time.Duration
	Multiplier  float64
	Ceiling     time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     500 * time.Millisecond,
		Multiplier:  2,
		Ceiling:     8 * time.Second,
		MaxAttempts: 4,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.Ceiling {
			return b.Ceiling
		}
	}
	if d > b.Ceiling {
		return b.Ceiling
	}
	return d
}

// Retry runs fn up to MaxAttempts times, sleeping between attempts. Only
// retryable (transient) errors are retried; everything else returns
// immediately. Context cancellation interrupts the wait.
func (b Backoff) Retry(ctx context.Context, fn func() error) error {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Delay(attempt - 1)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}
