package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/agentcrew/agent"
	"github.com/PipeOpsHQ/agentcrew/graph"
	"github.com/PipeOpsHQ/agentcrew/guardrail"
	"github.com/PipeOpsHQ/agentcrew/observe"
	"github.com/PipeOpsHQ/agentcrew/state"
	"github.com/PipeOpsHQ/agentcrew/types"
)

var (
	ErrThreadBusy    = errors.New("pipeline: thread already has an active run")
	ErrRunNotFound   = errors.New("pipeline: run not found")
	ErrRunFinished   = errors.New("pipeline: run already finished")
	ErrServiceClosed = errors.New("pipeline: service closed")
)

// Store is the checkpoint surface the service reads and manages.
type Store interface {
	graph.Checkpointer
	List(ctx context.Context, threadID, namespace string, opts state.ListOptions) iter.Seq2[state.Tuple, error]
	DeleteThread(ctx context.Context, threadID string) error
	Threads(ctx context.Context) ([]string, error)
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// RunInfo describes a run started by the service.
type RunInfo struct {
	RunID      string         `json:"runId"`
	ThreadID   string         `json:"threadId"`
	Status     RunStatus      `json:"status"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	Steps      int            `json:"steps"`
	State      types.RunState `json:"-"`
}

type ServiceOptions struct {
	Pipeline Options
	// Sinks receive every event through an asynchronous queue.
	Sinks []observe.Sink
	// Capacity bounds concurrently executing runs. Zero means unbounded.
	Capacity int
	// Defaults fills Mode and MaxIterations on requests that leave them
	// unset.
	Defaults Request
	// RequestGuard screens request text before a run starts.
	RequestGuard *guardrail.Pipeline
	Logger       logr.Logger
}

type activeRun struct {
	info   RunInfo
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Service executes many runs concurrently, one goroutine per run. Runs on
// the same thread are serialized by rejecting a second submission.
type Service struct {
	pipeline *Pipeline
	store    Store
	hub      *observe.Hub
	async    *observe.AsyncSink
	logger   logr.Logger
	slots    chan struct{}
	defaults Request
	guard    *guardrail.Pipeline

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	runs    map[string]*activeRun
	threads map[string]string
}

func NewService(deps agent.Deps, store Store, opts ServiceOptions) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	hub := observe.NewHub()
	sinks := []observe.Sink{hub}
	var async *observe.AsyncSink
	if len(opts.Sinks) > 0 {
		async = observe.NewAsyncSink(observe.NewMultiSink(opts.Sinks...), 256, logger.WithName("events"))
		sinks = append(sinks, async)
	}

	pipeOpts := opts.Pipeline
	pipeOpts.Checkpointer = store
	if pipeOpts.Observer != nil {
		sinks = append(sinks, pipeOpts.Observer)
	}
	pipeOpts.Observer = observe.NewMultiSink(sinks...)
	if pipeOpts.Logger.GetSink() == nil {
		pipeOpts.Logger = logger
	}
	p, err := New(deps, pipeOpts)
	if err != nil {
		if async != nil {
			async.Close()
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		pipeline: p,
		store:    store,
		hub:      hub,
		async:    async,
		logger:   logger,
		defaults: opts.Defaults,
		guard:    opts.RequestGuard,
		baseCtx:  ctx,
		stop:     cancel,
		runs:     map[string]*activeRun{},
		threads:  map[string]string{},
	}
	if opts.Capacity > 0 {
		s.slots = make(chan struct{}, opts.Capacity)
	}
	return s, nil
}

func (s *Service) Hub() *observe.Hub {
	return s.hub
}

func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

// Submit starts a new run for req and returns its initial state.
func (s *Service) Submit(ctx context.Context, req Request) (types.RunState, error) {
	if req.Mode == "" {
		req.Mode = s.defaults.Mode
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = s.defaults.MaxIterations
	}
	var flagged []guardrail.Result
	if s.guard != nil {
		text, results, err := s.guard.Check(ctx, req.RequestText)
		if err != nil {
			return types.RunState{}, err
		}
		if guardrail.HasBlock(results) {
			return types.RunState{}, fmt.Errorf("%w: %s", ErrInvalidRequest, guardrail.Summary(results))
		}
		req.RequestText, flagged = text, results
	}
	initial, err := NewRunState(req)
	if err != nil {
		return types.RunState{}, err
	}
	for _, r := range flagged {
		initial.Warnings = append(initial.Warnings, fmt.Sprintf("request %s: %s", r.Name, r.Message))
	}
	if err := ctx.Err(); err != nil {
		return types.RunState{}, err
	}
	run, err := s.register(initial, initial.ConversationID)
	if err != nil {
		return types.RunState{}, err
	}
	s.start(run, func(ctx context.Context) iter.Seq2[graph.StageUpdate, error] {
		return s.pipeline.Stream(ctx, initial, graph.RunConfig{ThreadID: initial.ConversationID})
	})
	return initial, nil
}

// Resume continues threadID from its latest checkpoint and returns the run
// id being resumed.
func (s *Service) Resume(ctx context.Context, threadID string) (string, error) {
	tuple, err := s.store.Get(ctx, state.Config{ThreadID: threadID})
	if err != nil {
		return "", fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	st, next, err := graph.DecodeCheckpoint(tuple.Checkpoint)
	if err != nil {
		return "", err
	}
	if next == "" || next == graph.END {
		return "", fmt.Errorf("%w: thread %s", ErrRunFinished, threadID)
	}
	run, err := s.register(st, threadID)
	if err != nil {
		return "", err
	}
	s.start(run, func(ctx context.Context) iter.Seq2[graph.StageUpdate, error] {
		return s.pipeline.Resume(ctx, graph.RunConfig{ThreadID: threadID})
	})
	return st.RunID, nil
}

func (s *Service) register(st types.RunState, threadID string) (*activeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	if active, ok := s.threads[threadID]; ok {
		return nil, fmt.Errorf("%w: %s (run %s)", ErrThreadBusy, threadID, active)
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	run := &activeRun{
		info: RunInfo{
			RunID:     st.RunID,
			ThreadID:  threadID,
			Status:    RunRunning,
			StartedAt: time.Now().UTC(),
			State:     st,
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.runs[st.RunID] = run
	s.threads[threadID] = st.RunID
	return run, nil
}

func (s *Service) start(run *activeRun, stream func(ctx context.Context) iter.Seq2[graph.StageUpdate, error]) {
	ctx := run.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer run.cancel()
		defer close(run.done)

		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
				defer func() { <-s.slots }()
			case <-ctx.Done():
				s.finish(run, run.info.State, 0, ctx.Err())
				return
			}
		}

		s.mu.Lock()
		final, steps := run.info.State, 0
		s.mu.Unlock()
		var runErr error
		for update, err := range stream(ctx) {
			if update.State.RunID != "" {
				final = update.State
			}
			if err != nil {
				runErr = err
				break
			}
			steps++
			s.mu.Lock()
			run.info.State = final
			run.info.Steps = steps
			s.mu.Unlock()
		}
		s.finish(run, final, steps, runErr)
	}()
}

func (s *Service) finish(run *activeRun, final types.RunState, steps int, err error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	run.info.State = final
	run.info.Steps = steps
	run.info.FinishedAt = &now
	switch {
	case errors.Is(err, context.Canceled):
		run.info.Status = RunCanceled
		run.info.Error = err.Error()
	case err != nil:
		run.info.Status = RunFailed
		run.info.Error = err.Error()
	case final.Status.StageState == types.StageStateFailed:
		run.info.Status = RunFailed
	default:
		run.info.Status = RunCompleted
	}
	if s.threads[run.info.ThreadID] == run.info.RunID {
		delete(s.threads, run.info.ThreadID)
	}
	s.logger.Info("run finished", "run", run.info.RunID, "thread", run.info.ThreadID, "status", string(run.info.Status), "steps", steps)
}

// Wait blocks until the run finishes or ctx is done.
func (s *Service) Wait(ctx context.Context, runID string) (RunInfo, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return RunInfo{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return run.info, nil
}

// Info reports the current view of a run.
func (s *Service) Info(runID string) (RunInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return RunInfo{}, false
	}
	return run.info, true
}

// Active reports whether threadID has a run in progress.
func (s *Service) Active(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.threads[threadID]
	return ok
}

// Cancel stops an active run. Its last checkpoint stays resumable. A run
// that already finished reports ErrRunFinished.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	select {
	case <-run.done:
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	default:
	}
	run.cancel()
	return nil
}

// Latest returns the state of the newest checkpoint of threadID.
func (s *Service) Latest(ctx context.Context, threadID string) (types.RunState, state.Tuple, error) {
	tuple, err := s.store.Get(ctx, state.Config{ThreadID: threadID})
	if err != nil {
		return types.RunState{}, state.Tuple{}, err
	}
	st, _, err := graph.DecodeCheckpoint(tuple.Checkpoint)
	if err != nil {
		return types.RunState{}, state.Tuple{}, err
	}
	return st, tuple, nil
}

// HistoryEntry summarizes one checkpoint of a thread.
type HistoryEntry struct {
	CheckpointID string           `json:"checkpointId"`
	ParentID     string           `json:"parentId,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	Metadata     state.Metadata   `json:"metadata,omitempty"`
	Stage        types.Stage      `json:"stage"`
	StageState   types.StageState `json:"stageState"`
	Progress     int              `json:"progress"`
}

// History lists the checkpoints of threadID newest first.
func (s *Service) History(ctx context.Context, threadID string, opts state.ListOptions) ([]HistoryEntry, error) {
	return ThreadHistory(ctx, s.store, threadID, opts)
}

// ThreadHistory reads the checkpoint history of threadID straight from
// store, for callers without a running service.
func ThreadHistory(ctx context.Context, store Store, threadID string, opts state.ListOptions) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for tuple, err := range store.List(ctx, threadID, "", opts) {
		if err != nil {
			return nil, err
		}
		st, _, err := graph.DecodeCheckpoint(tuple.Checkpoint)
		if err != nil {
			return nil, err
		}
		entry := HistoryEntry{
			CheckpointID: tuple.Config.CheckpointID,
			Timestamp:    tuple.Checkpoint.Timestamp,
			Metadata:     tuple.Metadata,
			Stage:        st.Status.Stage,
			StageState:   st.Status.StageState,
			Progress:     st.Status.Progress,
		}
		if tuple.ParentConfig != nil {
			entry.ParentID = tuple.ParentConfig.CheckpointID
		}
		out = append(out, entry)
	}
	return out, nil
}

// Delete removes every checkpoint of threadID. Active runs on the thread
// must finish first.
func (s *Service) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	active, busy := s.threads[threadID]
	s.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: %s (run %s)", ErrThreadBusy, threadID, active)
	}
	return s.store.DeleteThread(ctx, threadID)
}

// Close cancels active runs, waits for them and flushes async sinks.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if s.async != nil {
		s.async.Close()
	}
	return err
}
