package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is returned by Retry when no attempt produced an
// accepted value.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy bounds a retry loop. Delay is consulted after a failed attempt
// n (1-based) and before attempt n+1.
type RetryPolicy struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
}

// Once is a policy with a single attempt and no waiting.
func Once() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// LinearBackoff waits base*attempt between attempts.
func LinearBackoff(maxAttempts int, base time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Delay: func(attempt int) time.Duration {
			return base * time.Duration(attempt)
		},
	}
}

// Retry calls attempt until accept returns true for its result, the policy
// runs out of attempts, or ctx is done. Errors from attempt do not stop the
// loop; the last one is wrapped into the exhaustion error.
func Retry[T any](ctx context.Context, policy RetryPolicy, attempt func(ctx context.Context, n int) (T, error), accept func(T) bool) (T, error) {
	var zero T
	var lastErr error

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for n := 1; n <= maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := attempt(ctx, n)
		if err == nil && accept(v) {
			return v, nil
		}
		if err != nil {
			lastErr = err
		}

		if n < maxAttempts && policy.Delay != nil {
			if err := sleepOrDone(ctx, policy.Delay(n)); err != nil {
				return zero, err
			}
		}
	}

	if lastErr != nil {
		return zero, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, maxAttempts, lastErr)
	}
	return zero, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, maxAttempts)
}

// sleepOrDone waits for d or returns early on context cancellation.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
