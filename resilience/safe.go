package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

var ErrTimeout = errors.New("resilience: timed out")

// PanicError is returned by SafeExecute when fn panics.
type PanicError struct {
	Op    string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Op, e.Value)
}

// SafeExecute runs fn and converts a panic into a *PanicError.
func SafeExecute[T any](ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			err = &PanicError{Op: op, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Race runs fn and returns early when ctx is done or timeout elapses,
// whichever comes first. A timeout of zero only races against ctx. The
// abandoned call keeps running until it observes its cancelled context.
func Race[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := SafeExecute(ctx, "race", fn)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}
