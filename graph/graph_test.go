package graph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/agentcrew/types"
)

func noop() Handler {
	return HandlerFunc(func(context.Context, types.RunState) (types.Update, error) {
		return types.Update{}, nil
	})
}

func TestCompileRejectsInvalidGraphs(t *testing.T) {
	cases := []struct {
		name  string
		build func() *Graph
		want  string
	}{
		{
			name:  "no start",
			build: func() *Graph { return New("g").AddNode("a", "A", noop()) },
			want:  "start node is not set",
		},
		{
			name: "unknown edge target",
			build: func() *Graph {
				return New("g").AddNode("a", "A", noop()).AddEdge("a", "missing").SetStart("a")
			},
			want: "edge target node",
		},
		{
			name: "unreachable node",
			build: func() *Graph {
				return New("g").AddNode("a", "A", noop()).AddNode("b", "B", noop()).
					AddEdge("a", END).SetStart("a")
			},
			want: "unreachable",
		},
		{
			name: "cycle without opt in",
			build: func() *Graph {
				return New("g").AddNode("a", "A", noop()).AddNode("b", "B", noop()).
					AddEdge("a", "b").
					AddConditionalEdges("b", func(types.RunState) string { return "again" },
						map[string]string{"again": "a", "done": END}).
					SetStart("a")
			},
			want: "cycle",
		},
		{
			name: "duplicate node",
			build: func() *Graph {
				return New("g").AddNode("a", "A", noop()).AddNode("a", "A", noop()).SetStart("a")
			},
			want: "already exists",
		},
		{
			name: "reserved id",
			build: func() *Graph {
				return New("g").AddNode(END, "A", noop()).SetStart(END)
			},
			want: "reserved",
		},
		{
			name: "two outgoing edges",
			build: func() *Graph {
				return New("g").AddNode("a", "A", noop()).AddEdge("a", END).AddEdge("a", END).SetStart("a")
			},
			want: "already has an outgoing edge",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.build().Compile()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCompileAcceptsCycleWhenAllowed(t *testing.T) {
	g := New("g").AddNode("a", "A", noop()).AddNode("b", "B", noop()).
		AddEdge("a", "b").
		AddConditionalEdges("b", func(types.RunState) string { return "done" },
			map[string]string{"again": "a", "done": END}).
		SetStart("a").
		AllowCycles(true)
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	wantEdges := []EdgeInfo{
		{From: "a", To: "b"},
		{From: "b", To: "a", Outcome: "again", Conditional: true},
		{From: "b", To: END, Outcome: "done", Conditional: true},
	}
	if diff := cmp.Diff(wantEdges, g.EdgeInfos()); diff != "" {
		t.Fatalf("edges mismatch (-want +got):\n%s", diff)
	}
}

func TestChangesAfterCompileForceRevalidation(t *testing.T) {
	g := New("g").AddNode("a", "A", noop()).AddEdge("a", END).SetStart("a")
	if g.Compiled() {
		t.Fatal("expected an uncompiled graph")
	}
	if _, err := NewExecutor(g); err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if !g.Compiled() {
		t.Fatal("expected NewExecutor to compile the graph")
	}

	g.AddNode("orphan", "B", noop())
	if g.Compiled() {
		t.Fatal("expected AddNode to invalidate the compiled graph")
	}
	if _, err := NewExecutor(g); err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("expected unreachable node error, got %v", err)
	}
}

func TestNextUnknownOutcome(t *testing.T) {
	g := New("g").AddNode("a", "A", noop()).
		AddConditionalEdges("a", func(types.RunState) string { return "nowhere" },
			map[string]string{"done": END}).
		SetStart("a")
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := g.next("a", types.RunState{}); err == nil {
		t.Fatal("expected unknown outcome error")
	}
}

func TestMergePlanKeepsStatusMonotone(t *testing.T) {
	st := types.RunState{Plan: types.Plan{Tasks: []types.Task{
		{ID: "task-1", AssignedTo: types.AgentArchitect, Status: types.TaskCompleted},
		{ID: "task-2", AssignedTo: types.AgentArchitect, Status: types.TaskPending},
	}}}
	notes := MergePlan(&st, types.Update{Plan: &types.PlanPatch{Tasks: []types.Task{
		{ID: "task-1", Status: types.TaskPending},
		{ID: "task-2", Status: types.TaskInProgress},
		{ID: "task-3", Description: "new", AssignedTo: types.AgentQC},
	}}})
	if len(notes) != 1 || !strings.Contains(notes[0], "task-1") {
		t.Fatalf("expected one note for task-1, got %v", notes)
	}
	want := []types.Task{
		{ID: "task-1", AssignedTo: types.AgentArchitect, Status: types.TaskCompleted},
		{ID: "task-2", AssignedTo: types.AgentArchitect, Status: types.TaskInProgress},
		{ID: "task-3", Description: "new", AssignedTo: types.AgentQC, Status: types.TaskPending},
	}
	if diff := cmp.Diff(want, st.Plan.Tasks); diff != "" {
		t.Fatalf("tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeQCIterationIsCappedAndMonotone(t *testing.T) {
	st := types.RunState{QC: types.QC{Iteration: 2, MaxIterations: 3}}
	notes := MergeQC(&st, types.Update{QC: &types.QCPatch{Iteration: types.Ptr(1)}})
	if st.QC.Iteration != 2 || len(notes) != 1 {
		t.Fatalf("iteration decreased or no note: %d %v", st.QC.Iteration, notes)
	}
	notes = MergeQC(&st, types.Update{QC: &types.QCPatch{Iteration: types.Ptr(7)}})
	if st.QC.Iteration != 3 || len(notes) != 1 {
		t.Fatalf("iteration not capped: %d %v", st.QC.Iteration, notes)
	}
}

func TestMergeQCReplacesIssues(t *testing.T) {
	st := types.RunState{QC: types.QC{Issues: []types.Issue{{ID: "old"}}}}
	MergeQC(&st, types.Update{QC: &types.QCPatch{Issues: []types.Issue{}}})
	if len(st.QC.Issues) != 0 {
		t.Fatalf("expected issues cleared, got %v", st.QC.Issues)
	}
	MergeQC(&st, types.Update{QC: &types.QCPatch{Pass: types.Ptr(true)}})
	if !st.QC.Pass {
		t.Fatal("pass not applied")
	}
}

func TestMergeArtifactsUpsertsByPatchID(t *testing.T) {
	st := types.RunState{}
	MergeArtifacts(&st, types.Update{Artifacts: &types.ArtifactsPatch{Patches: []types.PatchSet{
		{PatchID: "p1", Description: "first"},
		{PatchID: "p2", Description: "second"},
	}}})
	MergeArtifacts(&st, types.Update{Artifacts: &types.ArtifactsPatch{Patches: []types.PatchSet{
		{PatchID: "p1", Description: "first again", Applied: true},
	}}})
	if len(st.Artifacts.Patches) != 2 {
		t.Fatalf("expected 2 patches, got %d", len(st.Artifacts.Patches))
	}
	if got := st.Artifacts.Patches[0]; got.Description != "first again" || !got.Applied {
		t.Fatalf("patch p1 not replaced in place: %+v", got)
	}
}

func TestMergeResearchDefaultsTimestamp(t *testing.T) {
	st := types.RunState{}
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	MergeResearch(&st, types.Update{Research: map[string]types.Finding{
		types.TopicTechReality:   {Summary: "go"},
		types.TopicCompetencyMap: {Summary: "team", LastUpdated: fixed},
	}})
	if st.Research[types.TopicTechReality].LastUpdated.IsZero() {
		t.Fatal("expected LastUpdated to default")
	}
	if !st.Research[types.TopicCompetencyMap].LastUpdated.Equal(fixed) {
		t.Fatal("explicit LastUpdated overwritten")
	}
}

func TestMergeStatusClampsProgress(t *testing.T) {
	st := types.RunState{}
	MergeStatus(&st, types.Update{Status: &types.StatusPatch{Progress: types.Ptr(140)}})
	if st.Status.Progress != 100 {
		t.Fatalf("expected progress clamped to 100, got %d", st.Status.Progress)
	}
}
