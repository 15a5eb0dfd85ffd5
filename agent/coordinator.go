package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/agentcrew/prompt"
	"github.com/PipeOpsHQ/agentcrew/types"
)

// Coordinator turns the request into a plan and decides whether the run
// needs a research stage.
type Coordinator struct {
	deps Deps
}

func NewCoordinator(deps Deps) (*Coordinator, error) {
	if err := deps.validate(true, false); err != nil {
		return nil, err
	}
	return &Coordinator{deps: deps.normalized()}, nil
}

func (c *Coordinator) Handle(ctx context.Context, st types.RunState) (types.Update, error) {
	var u types.Update
	constraints := st.Inputs.Constraints
	vars := map[string]string{
		"requestText":   st.Inputs.RequestText,
		"language":      orDefault(constraints.Language, "unspecified"),
		"securityLevel": orDefault(string(constraints.SecurityLevel), string(types.SecurityStandard)),
		"testLevel":     orDefault(constraints.TestLevel, "unspecified"),
	}

	var out PlanOutput
	if err := c.deps.LLM.Invoke(ctx, prompt.CoordinatorPlan, c.deps.Budget.Fit(vars, "language", "securityLevel", "testLevel"), &out); err != nil {
		if ctx.Err() != nil {
			return types.Update{}, ctx.Err()
		}
		fail(&u, st, types.StageCoordPlan, types.AgentCoordinator, fmt.Errorf("planning failed: %w", err))
		return u, nil
	}

	tasks := make([]types.Task, 0, len(out.Tasks))
	for _, planned := range out.Tasks {
		desc := strings.TrimSpace(planned.Description)
		if desc == "" {
			continue
		}
		tasks = append(tasks, types.Task{
			ID:          fmt.Sprintf("task-%d", len(tasks)+1),
			Description: desc,
			AssignedTo:  assignee(planned.AssignedTo),
			Status:      types.TaskPending,
		})
	}

	needsResearch := out.NeedsResearch
	switch st.Mode {
	case types.ModeSingle:
		needsResearch = false
	case types.ModeStrict:
		needsResearch = true
	}

	u.Plan = &types.PlanPatch{
		Tasks:              tasks,
		AcceptanceCriteria: out.AcceptanceCriteria,
		Constraints:        out.Constraints,
		NeedsResearch:      types.Ptr(needsResearch),
		ResearchTopics:     out.ResearchTopics,
	}
	if len(tasks) == 0 {
		u.Warn(st.RunID, types.StageCoordPlan, types.AgentCoordinator, "coordinator produced an empty plan")
	}

	next, agent := types.StageArchBuild, types.AgentArchitect
	if needsResearch {
		next, agent = types.StageResearch, types.AgentResearcher
	}
	u.Emit(event(st, types.EventPlanCreated, types.StageCoordPlan, types.AgentCoordinator,
		fmt.Sprintf("planned %d task(s)", len(tasks))).
		WithDetails(map[string]any{
			"taskCount":     len(tasks),
			"needsResearch": needsResearch,
			"next":          string(next),
		}))
	advance(&u, next, 15, agent)
	c.deps.Logger.V(1).Info("plan created", "run", st.RunID, "tasks", len(tasks), "research", needsResearch)
	return u, nil
}

func assignee(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case types.AgentResearcher:
		return types.AgentResearcher
	case types.AgentQC:
		return types.AgentQC
	default:
		return types.AgentArchitect
	}
}
