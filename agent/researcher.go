package agent

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/agentcrew/prompt"
	"github.com/PipeOpsHQ/agentcrew/types"
)

type analysis struct {
	topic  string
	prompt string
}

var analyses = []analysis{
	{topic: types.TopicTechReality, prompt: prompt.ResearcherTechReality},
	{topic: types.TopicCompetencyMap, prompt: prompt.ResearcherCompetencyMap},
	{topic: types.TopicCodebaseAnalysis, prompt: prompt.ResearcherCodebase},
}

// Researcher runs the three research analyses concurrently against the same
// state snapshot. A failed analysis does not discard the others.
type Researcher struct {
	deps Deps
}

func NewResearcher(deps Deps) (*Researcher, error) {
	if err := deps.validate(true, false); err != nil {
		return nil, err
	}
	return &Researcher{deps: deps.normalized()}, nil
}

func (r *Researcher) Handle(ctx context.Context, st types.RunState) (types.Update, error) {
	vars := r.deps.Budget.Fit(map[string]string{
		"requestText": st.Inputs.RequestText,
		"plan":        toJSON(st.Plan),
	})

	findings := make([]types.Finding, len(analyses))
	failures := make([]error, len(analyses))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range analyses {
		g.Go(func() error {
			var out ResearchOutput
			if err := r.deps.LLM.Invoke(gctx, a.prompt, vars, &out); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.deps.Logger.Error(err, "research analysis failed", "run", st.RunID, "topic", a.topic)
				failures[i] = err
				return nil
			}
			findings[i] = types.Finding{
				Summary:     strings.TrimSpace(out.Summary),
				Details:     out.Details,
				LastUpdated: r.deps.Clock(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.Update{}, err
	}

	var u types.Update
	research := map[string]types.Finding{}
	var landed []string
	for i, a := range analyses {
		if err := failures[i]; err != nil {
			u.Warn(st.RunID, types.StageResearch, types.AgentResearcher, fmt.Sprintf("%s analysis failed: %v", a.topic, err))
			u.Emit(event(st, types.EventError, types.StageResearch, types.AgentResearcher, fmt.Sprintf("%s analysis failed", a.topic)).
				WithVisibility(types.VisibilityExpert).
				WithDetails(map[string]any{"topic": a.topic, "error": err.Error()}))
			continue
		}
		research[a.topic] = findings[i]
		landed = append(landed, a.topic)
	}
	if len(research) > 0 {
		u.Research = research
	}

	if len(landed) == 0 {
		fail(&u, st, types.StageResearch, types.AgentResearcher, fmt.Errorf("all research analyses failed"))
	} else {
		var done []types.Task
		for _, task := range st.Plan.TasksFor(types.AgentResearcher, types.TaskPending, types.TaskInProgress) {
			task.Status = types.TaskCompleted
			done = append(done, task)
		}
		if len(done) > 0 {
			u.Plan = &types.PlanPatch{Tasks: done}
		}
		u.Emit(event(st, types.EventResearchCompleted, types.StageResearch, types.AgentResearcher,
			fmt.Sprintf("research completed for %d of %d topics", len(landed), len(analyses))).
			WithDetails(map[string]any{"topics": landed}))
	}

	if u.Status == nil {
		u.Status = &types.StatusPatch{}
	}
	u.Status.Progress = types.Ptr(30)
	u.Status.ActiveAgents = []string{types.AgentArchitect}
	return u, nil
}
