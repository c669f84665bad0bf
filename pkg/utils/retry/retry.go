package retry

import (
	"context"
	"time"
)

// Backoff is a blocking function returning when the next attempt may start.
//
// If the context is canceled while waiting, it returns ctx.Err().
type Backoff func(context.Context) error

// StaticBackoff waits a fixed interval between attempts.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// ExponentialBackoff waits initialInterval * r^N before the N-th attempt,
// without a cap.
func ExponentialBackoff(initialInterval time.Duration, r float64) Backoff {
	return CappedExponentialBackoff(initialInterval, r, 0)
}

// CappedExponentialBackoff is ExponentialBackoff with the wait capped at
// max (no cap when max <= 0).
func CappedExponentialBackoff(initialInterval time.Duration, r float64, max time.Duration) Backoff {
	interval := initialInterval
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()

		next := time.Duration(float64(interval) * r)
		if 0 < max && max < next {
			next = max
		}
		interval = next

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// Forever calls task until it succeeds, waiting with backoff between
// attempts. It stops with the context's error when ctx is canceled.
func Forever(ctx context.Context, backoff Backoff, task func(context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := task(ctx); err == nil {
			return nil
		}
		if err := backoff(ctx); err != nil {
			return err
		}
	}
}
