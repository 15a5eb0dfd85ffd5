package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agentcrew/guardrail"
	"github.com/PipeOpsHQ/agentcrew/policy"
	"github.com/PipeOpsHQ/agentcrew/prompt"
	"github.com/PipeOpsHQ/agentcrew/types"
)

// Architect implements pending architect tasks as patches.
type Architect struct {
	deps Deps
}

func NewArchitect(deps Deps) (*Architect, error) {
	if err := deps.validate(true, true); err != nil {
		return nil, err
	}
	return &Architect{deps: deps.normalized()}, nil
}

func (a *Architect) Handle(ctx context.Context, st types.RunState) (types.Update, error) {
	var u types.Update
	tasks := st.Plan.TasksFor(types.AgentArchitect, types.TaskPending)
	if len(tasks) == 0 {
		u.Emit(event(st, types.EventStatus, types.StageArchBuild, types.AgentArchitect, "no pending architect tasks"))
		advance(&u, types.StageQC1, 50, types.AgentQC)
		return u, nil
	}

	vars := a.deps.Budget.Fit(map[string]string{
		"requestText": st.Inputs.RequestText,
		"tasks":       toJSON(tasks),
		"research":    toJSON(st.Research),
	}, "tasks")
	var out PatchOutput
	if err := a.deps.LLM.Invoke(ctx, prompt.ArchitectBuild, vars, &out); err != nil {
		if ctx.Err() != nil {
			return types.Update{}, ctx.Err()
		}
		fail(&u, st, types.StageArchBuild, types.AgentArchitect, fmt.Errorf("build failed: %w", err))
		advance(&u, types.StageQC1, 50, types.AgentQC)
		return u, nil
	}

	if err := applyProposals(ctx, a.deps, st, &u, types.StageArchBuild, tasks, out.Patches); err != nil {
		return types.Update{}, err
	}
	advance(&u, types.StageQC1, 50, types.AgentQC)
	return u, nil
}

// Fixer re-enters the architect to address unfinished tasks and blocking QC
// issues. Each invocation consumes one QC iteration.
type Fixer struct {
	deps Deps
}

func NewFixer(deps Deps) (*Fixer, error) {
	if err := deps.validate(true, true); err != nil {
		return nil, err
	}
	return &Fixer{deps: deps.normalized()}, nil
}

func (f *Fixer) Handle(ctx context.Context, st types.RunState) (types.Update, error) {
	iteration := st.QC.Iteration + 1
	u := types.Update{QC: &types.QCPatch{Iteration: types.Ptr(iteration)}}

	tasks := st.Plan.TasksFor(types.AgentArchitect, types.TaskPending, types.TaskInProgress)
	var blocking []types.Issue
	for _, issue := range st.QC.Issues {
		if issue.Severity == types.SeverityCritical || issue.Severity == types.SeverityHigh {
			blocking = append(blocking, issue)
		}
	}
	summary := fmt.Sprintf("fix iteration %d of %d: %d task(s), %d blocking issue(s)",
		iteration, maxIterations(st), len(tasks), len(blocking))
	u.Emit(event(st, types.EventStatus, types.StageArchFix, types.AgentArchitect, summary).
		WithDetails(map[string]any{"iteration": iteration, "tasks": len(tasks), "issues": len(blocking)}))

	if len(tasks) == 0 && len(blocking) == 0 {
		advance(&u, types.StageQC1, 55, types.AgentQC)
		return u, nil
	}

	vars := f.deps.Budget.Fit(map[string]string{
		"requestText":   st.Inputs.RequestText,
		"tasks":         toJSON(tasks),
		"issues":        toJSON(blocking),
		"iteration":     strconv.Itoa(iteration),
		"maxIterations": strconv.Itoa(maxIterations(st)),
	}, "iteration", "maxIterations", "issues")
	var out PatchOutput
	if err := f.deps.LLM.Invoke(ctx, prompt.ArchitectFix, vars, &out); err != nil {
		if ctx.Err() != nil {
			return types.Update{}, ctx.Err()
		}
		fail(&u, st, types.StageArchFix, types.AgentArchitect, fmt.Errorf("fix failed: %w", err))
		advance(&u, types.StageQC1, 55, types.AgentQC)
		return u, nil
	}

	if err := applyProposals(ctx, f.deps, st, &u, types.StageArchFix, tasks, out.Patches); err != nil {
		return types.Update{}, err
	}
	advance(&u, types.StageQC1, 55, types.AgentQC)
	return u, nil
}

func maxIterations(st types.RunState) int {
	if st.QC.MaxIterations > 0 {
		return st.QC.MaxIterations
	}
	return types.DefaultMaxIterations
}

type fileOutcome struct {
	path    string
	written bool
	deleted bool
	err     error
}

// applyProposals gates and applies every proposed patch, records one
// PatchSet per proposal and moves the targeted tasks forward. A task is
// completed only when its patch applied in full.
func applyProposals(ctx context.Context, deps Deps, st types.RunState, u *types.Update, stage types.Stage, tasks []types.Task, proposals []PatchProposal) error {
	selected := make(map[string]types.Task, len(tasks))
	for _, task := range tasks {
		selected[task.ID] = task
	}
	claimed := map[string]bool{}
	for _, p := range proposals {
		if _, ok := selected[p.TaskID]; ok {
			claimed[p.TaskID] = true
		}
	}
	// Unlabelled proposals take the unclaimed tasks in plan order.
	var unclaimed []string
	for _, task := range tasks {
		if !claimed[task.ID] {
			unclaimed = append(unclaimed, task.ID)
		}
	}

	results := map[string]bool{}
	var patches []types.PatchSet
	applied, failed := 0, 0
	for _, p := range proposals {
		taskID := p.TaskID
		if taskID == "" && len(unclaimed) > 0 {
			taskID, unclaimed = unclaimed[0], unclaimed[1:]
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		set := types.PatchSet{
			PatchID:     "patch-" + uuid.NewString(),
			TaskID:      taskID,
			Description: strings.TrimSpace(p.Description),
		}
		outcomes := applyFiles(ctx, deps, st, taskID, p.Files)
		var diffs, problems []string
		for i, outcome := range outcomes {
			set.FilesTouched = append(set.FilesTouched, outcome.path)
			if outcome.deleted {
				set.FilesDeleted = append(set.FilesDeleted, outcome.path)
			}
			diffs = append(diffs, p.Files[i].UnifiedDiff)
			if outcome.written {
				set.FilesApplied = append(set.FilesApplied, outcome.path)
			}
			if outcome.err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", outcome.path, outcome.err))
			}
		}
		set.UnifiedDiff = strings.Join(diffs, "\n")
		switch {
		case len(p.Files) == 0:
			set.Error = "patch has no files"
		case len(problems) > 0:
			set.Error = strings.Join(problems, "; ")
		default:
			set.Applied = true
		}
		if set.Applied {
			set.FilesApplied = nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if set.Applied {
			applied++
		} else {
			failed++
		}
		if _, ok := selected[taskID]; ok {
			// A task with several patches completes only if all applied.
			prev, seen := results[taskID]
			results[taskID] = set.Applied && (!seen || prev)
		}
		patches = append(patches, set)

		summary := fmt.Sprintf("patch for %s applied", orDefault(taskID, "unassigned work"))
		if !set.Applied {
			summary = fmt.Sprintf("patch for %s failed", orDefault(taskID, "unassigned work"))
		}
		details := map[string]any{
			"patchId": set.PatchID,
			"taskId":  taskID,
			"applied": set.Applied,
			"files":   slices.Clone(set.FilesTouched),
		}
		if set.Error != "" {
			details["error"] = set.Error
		}
		if len(set.FilesApplied) > 0 {
			details["filesApplied"] = slices.Clone(set.FilesApplied)
			u.Warn(st.RunID, stage, types.AgentArchitect, fmt.Sprintf("patch %s partially applied: %s",
				set.PatchID, strings.Join(set.FilesApplied, ", ")))
		}
		u.Emit(event(st, types.EventPatchApplied, stage, types.AgentArchitect, summary).WithDetails(details))
	}

	var taskUpdates []types.Task
	for _, task := range tasks {
		if results[task.ID] {
			task.Status = types.TaskCompleted
		} else {
			task.Status = types.TaskInProgress
		}
		taskUpdates = append(taskUpdates, task)
	}
	if len(taskUpdates) > 0 {
		u.Plan = &types.PlanPatch{Tasks: taskUpdates}
	}
	if len(patches) > 0 {
		u.Artifacts = &types.ArtifactsPatch{Patches: patches}
	}
	if len(proposals) == 0 {
		u.Warn(st.RunID, stage, types.AgentArchitect, "architect proposed no patches")
	}

	u.Emit(event(st, types.EventPatchSummary, stage, types.AgentArchitect,
		fmt.Sprintf("%d patch(es) applied, %d failed", applied, failed)).
		WithDetails(map[string]any{"appliedCount": applied, "failedCount": failed}))
	deps.Logger.V(1).Info("patches applied", "run", st.RunID, "stage", string(stage), "applied", applied, "failed", failed)
	return nil
}

// applyFiles checks every file against the policy before applying any of
// them, so a denied file leaves the whole patch unapplied. Applying stops
// at the first file that fails; files written before it are marked.
func applyFiles(ctx context.Context, deps Deps, st types.RunState, taskID string, files []FileDiff) []fileOutcome {
	outcomes := make([]fileOutcome, len(files))
	denied := false
	for i, f := range files {
		outcomes[i].path = strings.TrimSpace(f.Path)
		if outcomes[i].path == "" {
			outcomes[i].err = errors.New("missing path")
			denied = true
			continue
		}
		if err := screenFile(ctx, deps, st, taskID, outcomes[i].path, f.UnifiedDiff); err != nil {
			outcomes[i].err = err
			denied = true
		}
	}
	if denied {
		for i := range outcomes {
			if outcomes[i].err == nil {
				outcomes[i].err = errors.New("not applied: another file in the patch was rejected")
			}
		}
		return outcomes
	}

	for i, f := range files {
		change, err := deps.Patches.Apply(ctx, outcomes[i].path, f.UnifiedDiff)
		if err != nil {
			outcomes[i].err = err
			for j := i + 1; j < len(outcomes); j++ {
				outcomes[j].err = fmt.Errorf("not applied: %s failed", outcomes[i].path)
			}
			break
		}
		outcomes[i].written = true
		outcomes[i].deleted = change.Deleted
	}
	return outcomes
}

// screenFile runs the policy gate, then the content guard, on one file.
func screenFile(ctx context.Context, deps Deps, st types.RunState, taskID, path, diff string) error {
	if deps.Policy != nil {
		decision, err := deps.Policy.Evaluate(ctx, policy.PatchRequest{
			RunID:         st.RunID,
			TaskID:        taskID,
			Path:          path,
			Operation:     policy.OperationFor(diff),
			SecurityLevel: st.Inputs.Constraints.SecurityLevel,
		})
		switch {
		case err != nil:
			return fmt.Errorf("policy evaluation failed: %w", err)
		case !decision.Allow:
			return fmt.Errorf("blocked by policy: %s", strings.Join(decision.Reasons, "; "))
		}
	}
	if deps.Guard != nil {
		results, err := deps.Guard.CheckDiff(ctx, diff)
		switch {
		case err != nil:
			return fmt.Errorf("guardrail check failed: %w", err)
		case guardrail.HasBlock(results):
			return fmt.Errorf("blocked by guardrail: %s", guardrail.Summary(results))
		case len(results) > 0:
			deps.Logger.Info("guardrail flagged patch", "run", st.RunID, "path", path, "summary", guardrail.Summary(results))
		}
	}
	return nil
}
