package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/PipeOpsHQ/agentcrew/prompt"
	"github.com/PipeOpsHQ/agentcrew/types"
)

var conflictMarkers = []string{"<<<<<<< ", ">>>>>>> "}

// SyntaxCheck verifies every file written by an applied patch is present and
// free of merge conflict markers. Its findings replace the previous issues.
type SyntaxCheck struct {
	deps Deps
}

func NewSyntaxCheck(deps Deps) (*SyntaxCheck, error) {
	if err := deps.validate(false, true); err != nil {
		return nil, err
	}
	return &SyntaxCheck{deps: deps.normalized()}, nil
}

type touchedFile struct {
	path    string
	taskID  string
	deleted bool
}

// touchedFiles lists files written to the workspace, including those of a
// partially applied patch, later patches overriding earlier ones.
func touchedFiles(st types.RunState) []touchedFile {
	index := map[string]int{}
	var files []touchedFile
	for _, p := range st.Artifacts.Patches {
		for _, path := range p.Written() {
			f := touchedFile{path: path, taskID: p.TaskID}
			for _, deleted := range p.FilesDeleted {
				if deleted == path {
					f.deleted = true
				}
			}
			if i, ok := index[path]; ok {
				files[i] = f
				continue
			}
			index[path] = len(files)
			files = append(files, f)
		}
	}
	return files
}

func (q *SyntaxCheck) Handle(ctx context.Context, st types.RunState) (types.Update, error) {
	issues := []types.Issue{}
	checked := 0
	for _, f := range touchedFiles(st) {
		if f.deleted {
			continue
		}
		checked++
		content, err := q.deps.Patches.ReadFile(ctx, f.path)
		if err != nil {
			if ctx.Err() != nil {
				return types.Update{}, ctx.Err()
			}
			msg := fmt.Sprintf("patched file %s is not readable: %v", f.path, err)
			if errors.Is(err, fs.ErrNotExist) {
				msg = fmt.Sprintf("patched file %s is missing", f.path)
			}
			issues = append(issues, types.Issue{
				ID:       fmt.Sprintf("qc1-%d", len(issues)+1),
				Severity: types.SeverityCritical,
				File:     f.path,
				TaskID:   f.taskID,
				Message:  msg,
				Source:   "qc1",
			})
			continue
		}
		for _, marker := range conflictMarkers {
			if strings.Contains(content, marker) {
				issues = append(issues, types.Issue{
					ID:       fmt.Sprintf("qc1-%d", len(issues)+1),
					Severity: types.SeverityHigh,
					File:     f.path,
					TaskID:   f.taskID,
					Message:  fmt.Sprintf("%s contains merge conflict markers", f.path),
					Source:   "qc1",
				})
				break
			}
		}
	}

	u := types.Update{QC: &types.QCPatch{Issues: issues}}
	u.Emit(event(st, types.EventStatus, types.StageQC1, types.AgentQC,
		fmt.Sprintf("checked %d file(s), %d issue(s)", checked, len(issues))).
		WithVisibility(types.VisibilityExpert).
		WithDetails(map[string]any{"checked": checked, "issues": len(issues)}))
	advance(&u, types.StageQC2, 65, types.AgentQC)
	return u, nil
}

// CompletenessReview flags unfinished tasks, asks the model to review the
// applied patches against the acceptance criteria and decides whether the
// run passes QC.
type CompletenessReview struct {
	deps Deps
}

func NewCompletenessReview(deps Deps) (*CompletenessReview, error) {
	if err := deps.validate(true, false); err != nil {
		return nil, err
	}
	return &CompletenessReview{deps: deps.normalized()}, nil
}

func (q *CompletenessReview) Handle(ctx context.Context, st types.RunState) (types.Update, error) {
	var u types.Update
	issues := make([]types.Issue, 0, len(st.QC.Issues))
	issues = append(issues, st.QC.Issues...)
	next := func() string { return fmt.Sprintf("qc2-%d", len(issues)+1) }

	for _, task := range st.Plan.TasksFor(types.AgentArchitect, types.TaskPending, types.TaskInProgress) {
		issues = append(issues, types.Issue{
			ID:       next(),
			Severity: types.SeverityHigh,
			TaskID:   task.ID,
			Message:  fmt.Sprintf("task %s is not completed: %s", task.ID, task.Description),
			Source:   "qc2",
		})
	}

	var applied []map[string]any
	for _, p := range st.Artifacts.Patches {
		if p.Applied {
			applied = append(applied, map[string]any{
				"taskId":      p.TaskID,
				"description": p.Description,
				"files":       p.FilesTouched,
				"unifiedDiff": p.UnifiedDiff,
			})
		}
	}
	if len(applied) > 0 {
		vars := q.deps.Budget.Fit(map[string]string{
			"acceptanceCriteria": toJSON(st.Plan.AcceptanceCriteria),
			"patches":            toJSON(applied),
		}, "acceptanceCriteria")
		var out ReviewOutput
		if err := q.deps.LLM.Invoke(ctx, prompt.QCCompleteness, vars, &out); err != nil {
			if ctx.Err() != nil {
				return types.Update{}, ctx.Err()
			}
			u.Warn(st.RunID, types.StageQC2, types.AgentQC, fmt.Sprintf("completeness review unavailable: %v", err))
		} else {
			for _, found := range out.Issues {
				issues = append(issues, types.Issue{
					ID:       next(),
					Severity: severity(found.Severity),
					File:     found.File,
					TaskID:   found.TaskID,
					Message:  strings.TrimSpace(found.Message),
					Source:   "qc2",
				})
			}
		}
	}

	counts := types.CountSeverities(issues)
	pass := counts.Blocking() == 0 && len(st.Plan.Tasks) > 0
	if len(st.Plan.Tasks) == 0 {
		u.Warn(st.RunID, types.StageQC2, types.AgentQC, "plan has no tasks; QC cannot pass")
	}

	for _, issue := range issues {
		u.Emit(event(st, types.EventQCFinding, types.StageQC2, types.AgentQC, issue.Message).
			WithVisibility(types.VisibilityExpert).
			WithDetails(map[string]any{
				"issueId":  issue.ID,
				"severity": string(issue.Severity),
				"file":     issue.File,
				"taskId":   issue.TaskID,
				"source":   issue.Source,
			}))
	}
	verdict := "passed"
	if !pass {
		verdict = "failed"
	}
	u.Emit(event(st, types.EventQCSummary, types.StageQC2, types.AgentQC,
		fmt.Sprintf("QC %s: %d critical, %d high, %d medium, %d low", verdict, counts.Critical, counts.High, counts.Medium, counts.Low)).
		WithDetails(map[string]any{
			"pass":           pass,
			"iteration":      st.QC.Iteration,
			"maxIterations":  maxIterations(st),
			"severityCounts": counts,
		}))

	u.QC = &types.QCPatch{
		Issues:         issues,
		SeverityCounts: types.Ptr(counts),
		Pass:           types.Ptr(pass),
	}
	advance(&u, types.StageFinalize, 80)
	return u, nil
}

// severity maps model output onto the known scale. Unknown values are
// treated as medium.
func severity(raw string) types.Severity {
	switch s := types.Severity(strings.ToLower(strings.TrimSpace(raw))); s {
	case types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow:
		return s
	default:
		return types.SeverityMedium
	}
}
