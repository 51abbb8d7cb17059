package provider

import (
	"context"
	"math"
	"math/rand"
	"time"

	"coreengine/errs"
)

// RetryPolicy configures exponential backoff, grounded in
// unifiedllm/retry.go's RetryPolicy/Delay/Retry shape. The defaults differ
// from the teacher's (base 1s/cap 60s/2 retries): this engine uses the
// exact base 1s/cap 30s/max 3 attempts the adapter contract specifies.
type RetryPolicy struct {
	MaxAttempts       int // total attempts, including the first
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the adapter's required retry policy: base 1s,
// cap 30s, max 3 attempts total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay computes the backoff delay before retry attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if p.Jitter {
		delay *= 0.5 + rand.Float64() // [0.5, 1.5)
	}
	delay = math.Min(delay, float64(p.MaxDelay))
	return time.Duration(delay)
}

// Retry runs fn, retrying retryable errors (per errs.IsRetryable) up to
// MaxAttempts total attempts with exponential backoff.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxAttempts-1; attempt++ {
		if !errs.IsRetryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			return zero, errs.Wrap(errs.Cancelled, "request cancelled during retry backoff", ctx.Err())
		case <-time.After(delay):
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
