package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/agentcrew/types"
)

// Sink receives run events. Emit is fire-and-forget from the run's point of
// view: errors are logged, never propagated into execution.
type Sink interface {
	Emit(ctx context.Context, event types.EventLogEntry) error
}

type SinkFunc func(ctx context.Context, event types.EventLogEntry) error

func (f SinkFunc) Emit(ctx context.Context, event types.EventLogEntry) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, types.EventLogEntry) error {
	return nil
}

type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) == 0 {
		return NoopSink{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

// Emit delivers to every sink even when an earlier one fails.
func (m *MultiSink) Emit(ctx context.Context, event types.EventLogEntry) error {
	if m == nil {
		return nil
	}
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AsyncSink hands events to a single background goroutine, so delivery order
// matches Emit order. When the buffer is full events are dropped and counted.
type AsyncSink struct {
	downstream Sink
	queue      chan types.EventLogEntry
	done       chan struct{}
	dropped    atomic.Int64
	logger     logr.Logger
	mu         sync.RWMutex
	closed     bool
}

func NewAsyncSink(downstream Sink, buffer int, logger logr.Logger) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	as := &AsyncSink{
		downstream: downstream,
		queue:      make(chan types.EventLogEntry, buffer),
		done:       make(chan struct{}),
		logger:     logger,
	}
	go as.loop()
	return as
}

func (s *AsyncSink) Emit(ctx context.Context, event types.EventLogEntry) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
		return nil
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Info("async sink dropping events", "dropped", n)
		}
		return nil
	}
}

func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until queued ones are delivered.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.queue {
		if err := s.downstream.Emit(context.Background(), event); err != nil {
			s.logger.V(1).Info("async sink downstream failed", "error", err.Error())
		}
	}
}

// WriterSink writes one JSON document per line.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Emit(_ context.Context, event types.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}
