// Package retry runs operations with bounded exponential backoff and
// classifies failures as transient, permanent, conflict or invariant.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Options configures Do.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. The wait before
	// attempt n+1 is BaseDelay * 2^(n-1).
	BaseDelay time.Duration

	// MaxDelay caps a single wait (0 = uncapped).
	MaxDelay time.Duration

	// Jitter adds up to 20% random extra delay to each wait.
	Jitter bool

	// ShouldRetry overrides the default decision, which retries only
	// transient errors. Permanent, conflict and invariant errors
	// short-circuit regardless of ShouldRetry.
	ShouldRetry func(err error) bool

	// OnRetry is called with the failed attempt number and its error
	// before each wait.
	OnRetry func(attempt int, err error)

	// Sleep waits for d or until ctx is done. Defaults to SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Backoff returns the wait after failed attempt n (1-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// Do runs op until it succeeds, the attempts are exhausted, the error is
// not retryable, or ctx is done. It returns the last error on failure.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxAttempts || !shouldRetry(opts, err) {
			return zero, err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}

		delay := Backoff(base, attempt)
		if opts.MaxDelay > 0 && delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if opts.Jitter {
			delay += time.Duration(rand.Int63n(int64(delay)/5 + 1))
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return zero, lastErr
}

func shouldRetry(opts Options, err error) bool {
	switch KindOf(err) {
	case KindPermanent, KindConflict, KindInvariant:
		return false
	}
	if opts.ShouldRetry != nil {
		return opts.ShouldRetry(err)
	}
	return IsRetryable(err)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
