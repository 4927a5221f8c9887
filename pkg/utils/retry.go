package utils

import (
	"context"
	"math"
	"time"
)

// RetryConfig controls attempt count and backoff growth.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable, when set, decides whether an error is worth another attempt.
	Retryable func(error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryWithResult calls fn until it succeeds, the error is ruled
// non-retryable, the context ends, or the attempt budget runs out.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		delay = nextDelay(delay, cfg)
	}

	return zero, lastErr
}

// Retry is RetryWithResult for calls that only report an error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func nextDelay(delay time.Duration, cfg RetryConfig) time.Duration {
	grown := time.Duration(float64(delay) * cfg.BackoffFactor)
	if grown > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return grown
}

// CalculateBackoff is the delay before the given zero-based attempt,
// grown geometrically and capped at maxDelay.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration, factor float64) time.Duration {
	d := float64(initialDelay) * math.Pow(factor, float64(attempt))
	if ceiling := float64(maxDelay); d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}
