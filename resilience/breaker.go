package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

var ErrCircuitOpen = errors.New("resilience: circuit open")

type BreakerSettings struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold uint32
	// Cooldown is how long a circuit stays open before a trial call.
	Cooldown time.Duration
}

func (s BreakerSettings) normalized() BreakerSettings {
	if s.Threshold == 0 {
		s.Threshold = defaultBreakerThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = defaultBreakerCooldown
	}
	return s
}

// Breakers keeps one circuit breaker per named external operation.
type Breakers struct {
	settings BreakerSettings
	logger   logr.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(settings BreakerSettings, logger logr.Logger) *Breakers {
	return &Breakers{
		settings: settings.normalized(),
		logger:   logger,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (b *Breakers) get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[name]; ok {
		return cb
	}
	threshold := b.settings.Threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     b.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				b.logger.Info("circuit opened", "operation", name, "from", from.String())
			case gobreaker.StateClosed:
				b.logger.Info("circuit closed", "operation", name, "from", from.String())
			default:
				b.logger.V(1).Info("circuit half-open", "operation", name)
			}
		},
	})
	b.breakers[name] = cb
	return cb
}

// State returns the breaker state for name ("closed" for unknown names).
func (b *Breakers) State(name string) string {
	b.mu.Lock()
	cb, ok := b.breakers[name]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Call runs fn through the breaker for name. While the circuit is open fn is
// not called and an error wrapping ErrCircuitOpen is returned.
func Call[T any](ctx context.Context, b *Breakers, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn(ctx)
	}
	out, err := b.get(name).Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s", ErrCircuitOpen, name)
		}
		return zero, err
	}
	value, _ := out.(T)
	return value, nil
}

// CallWithFallback is Call returning fallback(err) on any failure, including
// an open circuit.
func CallWithFallback[T any](ctx context.Context, b *Breakers, name string, fn func(ctx context.Context) (T, error), fallback func(error) T) T {
	value, err := Call(ctx, b, name, fn)
	if err != nil {
		return fallback(err)
	}
	return value
}
