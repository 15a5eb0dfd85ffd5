package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/agentcrew/observe"
	"github.com/PipeOpsHQ/agentcrew/resilience"
	"github.com/PipeOpsHQ/agentcrew/state"
	"github.com/PipeOpsHQ/agentcrew/types"
)

const (
	DefaultTimeout  = 5 * time.Minute
	DefaultMaxSteps = 50
)

var (
	ErrRunTimeout = errors.New("graph: run timed out")
	ErrStepLimit  = errors.New("graph: step limit exceeded")
)

// Checkpointer is the part of the checkpoint store the executor needs.
type Checkpointer interface {
	Get(ctx context.Context, cfg state.Config) (state.Tuple, error)
	Put(ctx context.Context, cfg state.Config, checkpoint state.Checkpoint, metadata state.Metadata) (state.Config, error)
}

// FallbackFunc builds the update recorded in place of a handler that failed
// or panicked. The executor always adds a StageError to it.
type FallbackFunc func(state types.RunState, node string, err error) types.Update

type RunConfig struct {
	// ThreadID keys checkpoints. It defaults to the state's conversation id.
	ThreadID string
	Timeout  time.Duration
	MaxSteps int
}

// StageUpdate is yielded once per executed stage.
type StageUpdate struct {
	Node       string
	Stage      types.Stage
	Step       int
	Update     types.Update
	State      types.RunState
	Checkpoint state.Config
	Next       string
	Failed     bool
}

type Executor struct {
	graph     *Graph
	saver     Checkpointer
	namespace string
	fallback  FallbackFunc
	timeout   time.Duration
	maxSteps  int
	observer  observe.Sink
	logger    logr.Logger
}

type ExecutorOption func(*Executor)

func WithCheckpointer(saver Checkpointer) ExecutorOption {
	return func(e *Executor) { e.saver = saver }
}

func WithNamespace(namespace string) ExecutorOption {
	return func(e *Executor) { e.namespace = namespace }
}

func WithFallback(fallback FallbackFunc) ExecutorOption {
	return func(e *Executor) {
		if fallback != nil {
			e.fallback = fallback
		}
	}
}

func WithTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

func WithMaxSteps(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

func WithObserver(observer observe.Sink) ExecutorOption {
	return func(e *Executor) { e.observer = observer }
}

func WithLogger(logger logr.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if !graph.Compiled() {
		if err := graph.Compile(); err != nil {
			return nil, err
		}
	}
	e := &Executor{
		graph:    graph,
		fallback: DefaultFallback,
		timeout:  DefaultTimeout,
		maxSteps: DefaultMaxSteps,
		observer: observe.NoopSink{},
		logger:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) Graph() *Graph {
	return e.graph
}

// DefaultFallback marks the stage failed without touching status.stage, so
// routing continues from the last stage a handler set.
func DefaultFallback(st types.RunState, node string, err error) types.Update {
	failed := types.StageStateFailed
	return types.Update{
		Status: &types.StatusPatch{StageState: &failed},
		Events: []types.EventLogEntry{
			types.NewEvent(st.RunID, types.EventError, st.Status.Stage, node,
				fmt.Sprintf("%s failed: %v", node, err)).
				WithDetails(map[string]any{"node": node, "error": err.Error()}),
		},
	}
}

type snapshot struct {
	State types.RunState `json:"state"`
	Node  string         `json:"node,omitempty"`
	Next  string         `json:"next"`
	Step  int            `json:"step"`
}

// DecodeCheckpoint returns the state stored in a checkpoint and the node the
// run continues with.
func DecodeCheckpoint(cp state.Checkpoint) (types.RunState, string, error) {
	var snap snapshot
	if err := json.Unmarshal(cp.Values, &snap); err != nil {
		return types.RunState{}, "", fmt.Errorf("failed to decode checkpoint %s: %w", cp.ID, err)
	}
	return snap.State, snap.Next, nil
}

// Stream runs the graph from its start node. Each range over the returned
// sequence starts a fresh execution from initial.
func (e *Executor) Stream(ctx context.Context, initial types.RunState, cfg RunConfig) iter.Seq2[StageUpdate, error] {
	return func(yield func(StageUpdate, error) bool) {
		st := initial.Clone()
		if st.QC.MaxIterations <= 0 {
			st.QC.MaxIterations = types.DefaultMaxIterations
		}
		cursor := state.Config{ThreadID: e.threadID(cfg, st), Namespace: e.namespace}
		st.Events = append(st.Events, types.NewEvent(st.RunID, types.EventRunStarted, st.Status.Stage, "",
			"run started").WithDetails(map[string]any{"mode": string(st.Mode)}))
		e.forward(ctx, st.Events[len(st.Events)-1:])

		next, err := e.persist(ctx, cursor, st, "", e.graph.startNodeID, -1, "input")
		if err != nil {
			e.logger.Error(err, "failed to persist input checkpoint", "thread", cursor.ThreadID)
		} else {
			cursor = next
		}
		e.run(ctx, st, e.graph.startNodeID, 0, cursor, cfg, yield)
	}
}

// Resume continues the thread from its latest checkpoint. A thread whose
// last checkpoint reached END yields nothing.
func (e *Executor) Resume(ctx context.Context, cfg RunConfig) iter.Seq2[StageUpdate, error] {
	return func(yield func(StageUpdate, error) bool) {
		if e.saver == nil {
			yield(StageUpdate{}, fmt.Errorf("checkpointer is required for resume"))
			return
		}
		if cfg.ThreadID == "" {
			yield(StageUpdate{}, fmt.Errorf("thread id is required for resume"))
			return
		}
		tuple, err := e.saver.Get(ctx, state.Config{ThreadID: cfg.ThreadID, Namespace: e.namespace})
		if err != nil {
			yield(StageUpdate{}, fmt.Errorf("failed to load latest checkpoint for %s: %w", cfg.ThreadID, err))
			return
		}
		var snap snapshot
		if err := json.Unmarshal(tuple.Checkpoint.Values, &snap); err != nil {
			yield(StageUpdate{}, fmt.Errorf("failed to decode checkpoint %s: %w", tuple.Config.CheckpointID, err))
			return
		}
		if snap.Next == "" || snap.Next == END {
			return
		}
		if _, ok := e.graph.nodes[snap.Next]; !ok {
			yield(StageUpdate{}, fmt.Errorf("checkpoint %s points at unknown node %q", tuple.Config.CheckpointID, snap.Next))
			return
		}
		e.logger.V(1).Info("resuming run", "thread", cfg.ThreadID, "node", snap.Next, "checkpoint", tuple.Config.CheckpointID)
		e.run(ctx, snap.State, snap.Next, snap.Step+1, tuple.Config, cfg, yield)
	}
}

// Invoke drains Stream and returns the final state.
func (e *Executor) Invoke(ctx context.Context, initial types.RunState, cfg RunConfig) (types.RunState, error) {
	final := initial
	for update, err := range e.Stream(ctx, initial, cfg) {
		if update.State.RunID != "" {
			final = update.State
		}
		if err != nil {
			return final, err
		}
	}
	return final, nil
}

func (e *Executor) threadID(cfg RunConfig, st types.RunState) string {
	switch {
	case cfg.ThreadID != "":
		return cfg.ThreadID
	case st.ConversationID != "":
		return st.ConversationID
	default:
		return st.RunID
	}
}

func (e *Executor) run(
	ctx context.Context,
	st types.RunState,
	current string,
	step int,
	cursor state.Config,
	cfg RunConfig,
	yield func(StageUpdate, error) bool,
) {
	timeout := e.timeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	maxSteps := e.maxSteps
	if cfg.MaxSteps > 0 {
		maxSteps = cfg.MaxSteps
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for executed := 0; current != END; executed++ {
		n := e.graph.nodes[current]
		if executed >= maxSteps {
			e.terminate(ctx, st, n, step, fmt.Errorf("%w: %d steps", ErrStepLimit, maxSteps), yield)
			return
		}

		e.logger.V(1).Info("stage started", "run", st.RunID, "node", n.id, "step", step)
		before := len(st.Events)
		update, err := e.invoke(runCtx, n, st)
		if ctx.Err() != nil {
			yield(StageUpdate{Node: n.id, Stage: n.stage, Step: step, State: st}, ctx.Err())
			return
		}
		if runCtx.Err() != nil {
			e.terminate(ctx, st, n, step, fmt.Errorf("%w after %s in %s", ErrRunTimeout, timeout, n.id), yield)
			return
		}

		failed := err != nil
		if failed {
			e.logger.Error(err, "stage failed, applying fallback", "run", st.RunID, "node", n.id)
			update = e.fallbackUpdate(st, n, err)
		}
		update = e.withLifecycle(st, n, update, failed)
		update = e.apply(&st, n, update)

		next, err := e.graph.next(n.id, st)
		if err != nil {
			st.Errors = append(st.Errors, types.StageError{Node: n.id, Message: err.Error(), Timestamp: time.Now().UTC()})
			yield(StageUpdate{Node: n.id, Stage: n.stage, Step: step, Update: update, State: st, Failed: true}, err)
			return
		}

		persisted, err := e.persist(runCtx, cursor, st, n.id, next, step, "loop")
		if runCtx.Err() != nil && ctx.Err() == nil {
			e.terminate(ctx, st, n, step, fmt.Errorf("%w after %s in %s", ErrRunTimeout, timeout, n.id), yield)
			return
		}
		if err != nil {
			e.logger.Error(err, "failed to persist checkpoint", "run", st.RunID, "node", n.id)
			st.Warnings = append(st.Warnings, fmt.Sprintf("checkpoint after %s not persisted: %v", n.id, err))
		} else {
			cursor = persisted
		}

		e.forward(ctx, st.Events[before:])
		if !yield(StageUpdate{
			Node:       n.id,
			Stage:      n.stage,
			Step:       step,
			Update:     update,
			State:      st.Clone(),
			Checkpoint: cursor,
			Next:       next,
			Failed:     failed,
		}, nil) {
			return
		}
		current = next
		step++
	}
}

func (e *Executor) invoke(ctx context.Context, n node, st types.RunState) (types.Update, error) {
	return resilience.Race(ctx, 0, func(ctx context.Context) (types.Update, error) {
		return resilience.SafeExecute(ctx, n.id, func(ctx context.Context) (types.Update, error) {
			return n.handler.Handle(ctx, st.Clone())
		})
	})
}

func (e *Executor) fallbackUpdate(st types.RunState, n node, err error) types.Update {
	update := e.fallback(st.Clone(), n.id, err)
	update.Errors = append(update.Errors, types.StageError{
		Node:      n.id,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
	return update
}

func (e *Executor) withLifecycle(st types.RunState, n node, update types.Update, failed bool) types.Update {
	started := types.NewEvent(st.RunID, types.EventStageStarted, n.stage, n.id, n.id+" started").
		WithVisibility(types.VisibilityExpert)
	endType, summary := types.EventStageCompleted, n.id+" completed"
	if failed {
		endType, summary = types.EventStageFailed, n.id+" failed"
	}
	ended := types.NewEvent(st.RunID, endType, n.stage, n.id, summary).WithVisibility(types.VisibilityExpert)

	events := make([]types.EventLogEntry, 0, len(update.Events)+2)
	events = append(events, started)
	events = append(events, update.Events...)
	events = append(events, ended)
	update.Events = events
	return update
}

// apply merges update into st and returns the update as merged, including
// any rejection recorded while validating it.
func (e *Executor) apply(st *types.RunState, n node, update types.Update) types.Update {
	if update.Status != nil && update.Status.Stage != nil && !e.graph.HasStage(*update.Status.Stage) {
		patch := *update.Status
		update.Errors = append(update.Errors, types.StageError{
			Node:      n.id,
			Message:   fmt.Sprintf("unknown stage %q ignored", *patch.Stage),
			Timestamp: time.Now().UTC(),
		})
		patch.Stage = nil
		update.Status = &patch
	}
	for _, name := range ChannelNames {
		notes := e.graph.channels[name].Merge(st, update)
		for _, note := range notes {
			st.Warnings = append(st.Warnings, note)
			st.Events = append(st.Events, types.NewEvent(st.RunID, types.EventWarning, st.Status.Stage, n.id, note).
				WithVisibility(types.VisibilityExpert))
		}
	}
	return update
}

func (e *Executor) persist(ctx context.Context, cursor state.Config, st types.RunState, node, next string, step int, source string) (state.Config, error) {
	if e.saver == nil {
		return cursor, nil
	}
	values, err := json.Marshal(snapshot{State: st, Node: node, Next: next, Step: step})
	if err != nil {
		return cursor, fmt.Errorf("failed to marshal checkpoint snapshot: %w", err)
	}
	return e.saver.Put(ctx, cursor, state.Checkpoint{Values: values}, state.Metadata{
		"source": source,
		"step":   step,
		"node":   node,
		"next":   next,
		"runId":  st.RunID,
		"stage":  string(st.Status.Stage),
	})
}

// terminate ends a run without persisting the in-flight stage.
func (e *Executor) terminate(ctx context.Context, st types.RunState, n node, step int, cause error, yield func(StageUpdate, error) bool) {
	event := types.NewEvent(st.RunID, types.EventError, st.Status.Stage, n.id, cause.Error()).
		WithDetails(map[string]any{"node": n.id, "terminal": true})
	st.Events = append(st.Events, event)
	st.Status.StageState = types.StageStateFailed
	e.logger.Info("run terminated", "run", st.RunID, "node", n.id, "reason", cause.Error())
	e.forward(ctx, []types.EventLogEntry{event})
	yield(StageUpdate{
		Node:   n.id,
		Stage:  n.stage,
		Step:   step,
		Update: types.Update{Events: []types.EventLogEntry{event}},
		State:  st,
		Failed: true,
	}, cause)
}

func (e *Executor) forward(ctx context.Context, events []types.EventLogEntry) {
	if e.observer == nil {
		return
	}
	for _, event := range events {
		if err := e.observer.Emit(ctx, event); err != nil {
			e.logger.V(1).Info("observer rejected event", "type", string(event.Type), "error", err.Error())
		}
	}
}
