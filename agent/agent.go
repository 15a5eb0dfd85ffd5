// Package agent implements the stage handlers of the build crew. Each
// handler reads a RunState snapshot and returns a types.Update; it never
// mutates the state it was given.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/agentcrew/guardrail"
	"github.com/PipeOpsHQ/agentcrew/policy"
	"github.com/PipeOpsHQ/agentcrew/types"
)

// LLM decodes the JSON reply of a named prompt into out.
type LLM interface {
	Invoke(ctx context.Context, promptType string, vars map[string]string, out any) error
}

// PatchApplier applies file diffs to the workspace the crew is building in.
type PatchApplier interface {
	Apply(ctx context.Context, path, diff string) (types.FileChange, error)
	ReadFile(ctx context.Context, path string) (string, error)
}

// Snapshotter is implemented by workspaces that can fingerprint files.
type Snapshotter interface {
	Snapshot(ctx context.Context, paths []string) (string, error)
}

// PatchPolicy decides whether a file diff may be applied.
type PatchPolicy interface {
	Evaluate(ctx context.Context, req policy.PatchRequest) (policy.Decision, error)
}

// DiffGuard screens the content a diff adds.
type DiffGuard interface {
	CheckDiff(ctx context.Context, diff string) ([]guardrail.Result, error)
}

// Deps are the collaborators shared by every handler. Policy, Guard and
// Budget are optional.
type Deps struct {
	LLM     LLM
	Patches PatchApplier
	Policy  PatchPolicy
	Guard   DiffGuard
	Budget  *ContextManager
	Logger  logr.Logger
	Clock   func() time.Time
}

func (d Deps) normalized() Deps {
	if d.Logger.GetSink() == nil {
		d.Logger = logr.Discard()
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.Budget == nil {
		d.Budget = NewContextManager(0)
	}
	return d
}

func (d Deps) validate(needLLM, needPatches bool) error {
	if needLLM && d.LLM == nil {
		return fmt.Errorf("agent: LLM is required")
	}
	if needPatches && d.Patches == nil {
		return fmt.Errorf("agent: patch applier is required")
	}
	return nil
}

// Crew bundles one handler per stage.
type Crew struct {
	Coordinator *Coordinator
	Researcher  *Researcher
	Architect   *Architect
	Fixer       *Fixer
	QC1         *SyntaxCheck
	QC2         *CompletenessReview
	Finalizer   *Finalizer
}

func NewCrew(deps Deps) (*Crew, error) {
	if err := deps.validate(true, true); err != nil {
		return nil, err
	}
	deps = deps.normalized()
	return &Crew{
		Coordinator: &Coordinator{deps: deps},
		Researcher:  &Researcher{deps: deps},
		Architect:   &Architect{deps: deps},
		Fixer:       &Fixer{deps: deps},
		QC1:         &SyntaxCheck{deps: deps},
		QC2:         &CompletenessReview{deps: deps},
		Finalizer:   &Finalizer{deps: deps},
	}, nil
}

func event(st types.RunState, eventType types.EventType, stage types.Stage, agent, summary string) types.EventLogEntry {
	return types.NewEvent(st.RunID, eventType, stage, agent, summary)
}

// fail records an expected domain failure as an error event and a failed
// stage state.
func fail(u *types.Update, st types.RunState, stage types.Stage, agent string, err error) {
	if u.Status == nil {
		u.Status = &types.StatusPatch{}
	}
	u.Status.StageState = types.Ptr(types.StageStateFailed)
	u.Emit(event(st, types.EventError, stage, agent, err.Error()).
		WithDetails(map[string]any{"agent": agent}))
}

// advance queues the next stage and reports progress.
func advance(u *types.Update, next types.Stage, progress int, agents ...string) {
	if u.Status == nil {
		u.Status = &types.StatusPatch{}
	}
	u.Status.Stage = types.Ptr(next)
	if u.Status.StageState == nil {
		u.Status.StageState = types.Ptr(types.StageStateQueued)
	}
	u.Status.Progress = types.Ptr(progress)
	if agents == nil {
		agents = []string{}
	}
	u.Status.ActiveAgents = agents
}

func toJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
