// Package cron deletes checkpoint threads whose last activity is older than
// a retention window, on a cron schedule or on demand.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	robcron "github.com/robfig/cron/v3"

	"github.com/PipeOpsHQ/agentcrew/state"
)

const (
	DefaultSchedule = "@hourly"
	sweepTimeout    = time.Minute
	maxRuns         = 100
)

// Sweeper removes expired threads from a checkpoint store.
type Sweeper struct {
	mu        sync.Mutex
	store     ThreadStore
	retention time.Duration
	skip      func(threadID string) bool
	logger    logr.Logger
	now       func() time.Time

	cron    *robcron.Cron
	entryID robcron.EntryID
	hasJob  bool
	started bool
	runs    []SweepRun
}

type Option func(*Sweeper)

func WithLogger(logger logr.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSkip protects threads for which skip returns true, such as threads
// with an active run.
func WithSkip(skip func(threadID string) bool) Option {
	return func(s *Sweeper) { s.skip = skip }
}

func NewSweeper(store ThreadStore, retention time.Duration, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("thread store is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	s := &Sweeper{
		store:     store,
		retention: retention,
		logger:    logr.Discard(),
		now:       func() time.Time { return time.Now().UTC() },
		cron:      robcron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Schedule registers the sweep on a cron expression, replacing any previous
// schedule.
func (s *Sweeper) Schedule(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultSchedule
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, err := s.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		_, _ = s.sweep(ctx, "schedule")
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if s.hasJob {
		s.cron.Remove(s.entryID)
	}
	s.entryID = entryID
	s.hasJob = true
	return nil
}

// Next reports when the scheduled sweep fires next. It is zero until the
// sweeper is started.
func (s *Sweeper) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasJob {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) (SweepRun, error) {
	return s.sweep(ctx, "manual")
}

func (s *Sweeper) sweep(ctx context.Context, trigger string) (SweepRun, error) {
	started := time.Now()
	run := SweepRun{At: s.now(), Trigger: trigger}
	err := s.collect(ctx, &run)
	run.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		s.logger.Error(err, "retention sweep failed", "trigger", trigger, "deleted", len(run.Deleted))
	} else {
		run.Status = "completed"
		s.logger.Info("retention sweep completed", "trigger", trigger, "scanned", run.Scanned, "deleted", len(run.Deleted), "skipped", run.Skipped)
	}

	s.mu.Lock()
	s.runs = append(s.runs, run)
	if len(s.runs) > maxRuns {
		s.runs = s.runs[len(s.runs)-maxRuns:]
	}
	s.mu.Unlock()
	return run, err
}

func (s *Sweeper) collect(ctx context.Context, run *SweepRun) error {
	threads, err := s.store.Threads(ctx)
	if err != nil {
		return err
	}
	cutoff := run.At.Add(-s.retention)
	var errs []error
	for _, thread := range threads {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		run.Scanned++
		if s.skip != nil && s.skip(thread) {
			run.Skipped++
			continue
		}
		tuple, err := s.store.Get(ctx, state.Config{ThreadID: thread})
		switch {
		case errors.Is(err, state.ErrNotFound):
			// Indexed thread without a latest checkpoint; clean it up.
		case err != nil:
			errs = append(errs, fmt.Errorf("thread %s: %w", thread, err))
			continue
		case !tuple.Checkpoint.Timestamp.Before(cutoff):
			continue
		}
		if err := s.store.DeleteThread(ctx, thread); err != nil {
			errs = append(errs, fmt.Errorf("thread %s: %w", thread, err))
			continue
		}
		run.Deleted = append(run.Deleted, thread)
	}
	return errors.Join(errs...)
}

// History returns recent sweeps, newest first.
func (s *Sweeper) History(limit int) []SweepRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.runs) {
		limit = len(s.runs)
	}
	out := make([]SweepRun, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out
}

// Start begins the cron scheduler. Non-blocking.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	ctx := s.cron.Stop()
	s.mu.Unlock()
	<-ctx.Done()
}
