package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
)

// ErrContextTooLarge signals that a request can never succeed as sent, so
// retrying it is pointless.
var ErrContextTooLarge = errors.New("resilience: context too large")

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Retryable further restricts which errors are retried.
	Retryable func(error) bool
	OnRetry   func(attempt int, err error, delay time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
	}
}

func normalizeRetryPolicy(in RetryPolicy) RetryPolicy {
	out := in
	if out.MaxAttempts < 1 {
		out.MaxAttempts = defaultMaxAttempts
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = defaultBaseBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = defaultMaxBackoff
	}
	if out.MaxBackoff < out.BaseBackoff {
		out.MaxBackoff = out.BaseBackoff
	}
	return out
}

// Backoff returns base * 2^attempt capped at MaxBackoff. attempt is zero based.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = normalizeRetryPolicy(p)
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, ErrContextTooLarge):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Retry calls fn until it succeeds, the policy's attempts are exhausted, or
// a non-retryable error is returned. The last error is returned wrapped.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	policy = normalizeRetryPolicy(policy)
	var zero T
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("retry aborted after %d attempt(s): %w", attempt, lastErr)
			}
			return zero, err
		}
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !IsRetryable(err) || (policy.Retryable != nil && !policy.Retryable(err)) {
			return zero, err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		delay := policy.Backoff(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry aborted after %d attempt(s): %w", attempt+1, lastErr)
		}
	}
	return zero, fmt.Errorf("gave up after %d attempt(s): %w", policy.MaxAttempts, lastErr)
}

// RetryWithFallback is Retry that substitutes fallback(err) for a final
// failure instead of returning it.
func RetryWithFallback[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error), fallback func(error) T) T {
	value, err := Retry(ctx, policy, fn)
	if err != nil {
		return fallback(err)
	}
	return value
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
