package errors

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds a retry loop.
type RetryConfig struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int

	// InitialBackoff is the wait after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait. Zero means no cap.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each failure. Values at or
	// below 1 keep it fixed.
	BackoffFactor float64

	// Jitter spreads each wait by up to this fraction either way (0.0-1.0).
	Jitter float64

	// RetryableFunc replaces IsRetryable when set.
	RetryableFunc func(error) bool
}

// StorageRetry is tuned for key-value store round trips.
var StorageRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.2,
}

// FixedDelay allows retries extra attempts spaced by delay. This is the
// shape of a step redelivery policy.
func FixedDelay(retries int, delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts:    max(retries, 0) + 1,
		InitialBackoff: delay,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	if c.BackoffFactor > 1 && attempt > 1 {
		d *= math.Pow(c.BackoffFactor, float64(attempt-1))
	}
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value T

	// Err is a *CategorizedError wrapping the last failure, or nil.
	Err error

	Attempts int
	Duration time.Duration
}

// WithRetryContext runs fn until it succeeds, returns an error that is not
// retryable, or runs out of attempts. A done context ends the loop before
// the next attempt and interrupts a backoff wait.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}
	limit := max(cfg.MaxAttempts, 1)

	var res RetryResult[T]
	for {
		if err := ctx.Err(); err != nil {
			res.Err = &CategorizedError{Err: err, Category: CategoryPermanent, Op: "retry", Attempts: res.Attempts}
			break
		}

		res.Attempts++
		v, err := fn(ctx)
		if err == nil {
			res.Value, res.Err = v, nil
			break
		}
		res.Err = &CategorizedError{Err: err, Category: Categorize(err), Attempts: res.Attempts}
		if res.Attempts >= limit || !retryable(err) {
			break
		}

		if err := sleep(ctx, cfg.Backoff(res.Attempts)); err != nil {
			res.Err = &CategorizedError{Err: err, Category: CategoryPermanent, Op: "backoff", Attempts: res.Attempts}
			break
		}
	}
	res.Duration = time.Since(start)
	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
