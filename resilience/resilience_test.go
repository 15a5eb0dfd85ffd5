package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Retry(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestRetryReturnsFirstSuccess(t *testing.T) {
	calls := 0
	value, err := Retry(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if value != 42 || calls != 2 {
		t.Fatalf("unexpected value=%d calls=%d", value, calls)
	}
}

func TestRetryEarlyExitOnNonRetryable(t *testing.T) {
	cases := []error{
		fmt.Errorf("prompt: %w", ErrContextTooLarge),
		Permanent(errors.New("bad request")),
	}
	for _, failure := range cases {
		calls := 0
		_, err := Retry(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
			calls++
			return 0, failure
		})
		if err == nil || calls != 1 {
			t.Fatalf("expected a single attempt for %v, got calls=%d err=%v", failure, calls, err)
		}
	}
}

func TestRetryWithFallback(t *testing.T) {
	calls := 0
	got := RetryWithFallback(context.Background(), fastPolicy(2), func(context.Context) (string, error) {
		calls++
		return "", errors.New("down")
	}, func(error) string { return "fallback" })
	if got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour}
	calls := 0
	_, err := Retry(ctx, policy, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("transient")
	})
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected one attempt, got %d", calls)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for attempt, expected := range want {
		if got := policy.Backoff(attempt); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	breakers := NewBreakers(BreakerSettings{Threshold: 2, Cooldown: time.Hour}, logr.Discard())
	calls := 0
	failing := func(context.Context) (string, error) {
		calls++
		return "", errors.New("unavailable")
	}
	for i := 0; i < 2; i++ {
		if _, err := Call(context.Background(), breakers, "llm.plan", failing); err == nil {
			t.Fatalf("expected failure on call %d", i)
		}
	}
	_, err := Call(context.Background(), breakers, "llm.plan", failing)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected the open circuit to skip the call, got %d calls", calls)
	}
	if state := breakers.State("llm.plan"); state != "open" {
		t.Fatalf("expected open state, got %q", state)
	}

	got := CallWithFallback(context.Background(), breakers, "llm.plan", failing, func(error) string { return "cached" })
	if got != "cached" {
		t.Fatalf("expected fallback while open, got %q", got)
	}

	if _, err := Call(context.Background(), breakers, "llm.review", func(context.Context) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("breakers must be independent per operation: %v", err)
	}
}

func TestBreakerClosesAfterCooldown(t *testing.T) {
	breakers := NewBreakers(BreakerSettings{Threshold: 1, Cooldown: 20 * time.Millisecond}, logr.Discard())
	_, _ = Call(context.Background(), breakers, "op", func(context.Context) (int, error) {
		return 0, errors.New("fail")
	})
	if breakers.State("op") != "open" {
		t.Fatalf("expected open after one failure")
	}
	time.Sleep(40 * time.Millisecond)
	value, err := Call(context.Background(), breakers, "op", func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || value != 7 {
		t.Fatalf("expected trial call to succeed, got %d %v", value, err)
	}
	if breakers.State("op") != "closed" {
		t.Fatalf("expected closed after successful trial, got %s", breakers.State("op"))
	}
}

func TestSafeExecuteRecoversPanic(t *testing.T) {
	_, err := SafeExecute(context.Background(), "architect", func(context.Context) (int, error) {
		panic("nil map")
	})
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if panicErr.Op != "architect" || len(panicErr.Stack) == 0 {
		t.Fatalf("unexpected panic error: %+v", panicErr)
	}
}

func TestRaceTimesOut(t *testing.T) {
	start := time.Now()
	_, err := Race(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		return 1, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 60*time.Millisecond {
		t.Fatalf("race did not return promptly")
	}
}

func TestRaceReturnsResult(t *testing.T) {
	value, err := Race(context.Background(), time.Second, func(context.Context) (string, error) {
		return "done", nil
	})
	if err != nil || value != "done" {
		t.Fatalf("unexpected result %q %v", value, err)
	}
}
