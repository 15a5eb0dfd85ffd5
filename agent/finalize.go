package agent

import (
	"context"
	"fmt"

	"github.com/PipeOpsHQ/agentcrew/types"
)

// Finalizer closes the run. Unfinished architect tasks fail, the workspace
// is fingerprinted when the patch applier supports it, and the terminal
// stage state reflects the QC verdict.
type Finalizer struct {
	deps Deps
}

func NewFinalizer(deps Deps) (*Finalizer, error) {
	return &Finalizer{deps: deps.normalized()}, nil
}

func (f *Finalizer) Handle(ctx context.Context, st types.RunState) (types.Update, error) {
	var u types.Update

	var failed []types.Task
	for _, task := range st.Plan.TasksFor(types.AgentArchitect, types.TaskPending, types.TaskInProgress) {
		task.Status = types.TaskFailed
		failed = append(failed, task)
	}
	if len(failed) > 0 {
		u.Plan = &types.PlanPatch{Tasks: failed}
	}

	var files []string
	applied := 0
	for _, p := range st.Artifacts.Patches {
		if p.Applied {
			applied++
		}
		files = append(files, p.Written()...)
	}
	if snap, ok := f.deps.Patches.(Snapshotter); ok && len(files) > 0 {
		ref, err := snap.Snapshot(ctx, files)
		switch {
		case err != nil && ctx.Err() != nil:
			return types.Update{}, ctx.Err()
		case err != nil:
			u.Warn(st.RunID, types.StageFinalize, types.AgentCoordinator, fmt.Sprintf("workspace snapshot failed: %v", err))
		default:
			u.Artifacts = &types.ArtifactsPatch{SnapshotRef: types.Ptr(ref)}
		}
	}

	stageState := types.StageStateCompleted
	if !st.QC.Pass {
		stageState = types.StageStateFailed
	}
	u.SetStage(types.StageFinalize, stageState)
	u.Status.Progress = types.Ptr(100)
	u.Status.ActiveAgents = []string{}

	details := map[string]any{
		"patches":      len(st.Artifacts.Patches),
		"appliedCount": applied,
		"files":        len(files),
	}
	if u.Artifacts != nil && u.Artifacts.SnapshotRef != nil {
		details["snapshotRef"] = *u.Artifacts.SnapshotRef
	}
	u.Emit(event(st, types.EventArtifactReady, types.StageFinalize, types.AgentCoordinator,
		fmt.Sprintf("%d patch(es) applied across %d file(s)", applied, len(files))).WithDetails(details))

	runDetails := map[string]any{
		"pass":        st.QC.Pass,
		"iterations":  st.QC.Iteration,
		"failedTasks": len(failed),
	}
	if st.QC.Pass {
		u.Emit(event(st, types.EventRunCompleted, types.StageFinalize, types.AgentCoordinator, "run completed").WithDetails(runDetails))
	} else {
		u.Emit(event(st, types.EventRunFailed, types.StageFinalize, types.AgentCoordinator, "run finished without passing QC").WithDetails(runDetails))
	}
	f.deps.Logger.Info("run finalized", "run", st.RunID, "pass", st.QC.Pass, "applied", applied)
	return u, nil
}
