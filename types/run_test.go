package types

import "testing"

func TestTaskStatusCanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskPending, true},
		{TaskPending, TaskInProgress, true},
		{TaskPending, TaskCompleted, true},
		{TaskInProgress, TaskFailed, true},
		{TaskInProgress, TaskPending, false},
		{TaskCompleted, TaskInProgress, false},
		{TaskCompleted, TaskFailed, false},
		{TaskFailed, TaskCompleted, false},
		{TaskPending, TaskStatus("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestCountSeverities(t *testing.T) {
	counts := CountSeverities([]Issue{
		{Severity: SeverityCritical},
		{Severity: SeverityHigh},
		{Severity: SeverityHigh},
		{Severity: SeverityLow},
	})
	if counts.Critical != 1 || counts.High != 2 || counts.Medium != 0 || counts.Low != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if counts.Blocking() != 3 {
		t.Fatalf("expected 3 blocking issues, got %d", counts.Blocking())
	}
}

func TestCloneDoesNotShareSlices(t *testing.T) {
	original := RunState{
		Plan:     Plan{Tasks: []Task{{ID: "task-1", Status: TaskPending}}},
		Events:   []EventLogEntry{{EventID: "e1"}},
		Research: map[string]Finding{TopicTechReality: {Summary: "ok"}},
		Artifacts: Artifacts{Patches: []PatchSet{
			{PatchID: "p1", FilesTouched: []string{"a.go"}},
		}},
	}
	clone := original.Clone()
	clone.Plan.Tasks[0].Status = TaskCompleted
	clone.Events[0].EventID = "changed"
	clone.Research[TopicCompetencyMap] = Finding{}
	clone.Artifacts.Patches[0].FilesTouched[0] = "b.go"

	if original.Plan.Tasks[0].Status != TaskPending {
		t.Fatalf("task status leaked into original")
	}
	if original.Events[0].EventID != "e1" {
		t.Fatalf("event leaked into original")
	}
	if len(original.Research) != 1 {
		t.Fatalf("research map leaked into original")
	}
	if original.Artifacts.Patches[0].FilesTouched[0] != "a.go" {
		t.Fatalf("patch files leaked into original")
	}
}

func TestTasksFor(t *testing.T) {
	plan := Plan{Tasks: []Task{
		{ID: "1", AssignedTo: AgentArchitect, Status: TaskPending},
		{ID: "2", AssignedTo: AgentQC, Status: TaskPending},
		{ID: "3", AssignedTo: AgentArchitect, Status: TaskCompleted},
	}}
	if got := plan.TasksFor(AgentArchitect, TaskPending); len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("unexpected pending architect tasks: %+v", got)
	}
	if got := plan.TasksFor(AgentArchitect); len(got) != 2 {
		t.Fatalf("expected 2 architect tasks, got %d", len(got))
	}
}

func TestParseMode(t *testing.T) {
	if mode, ok := ParseMode(""); !ok || mode != ModeAuto {
		t.Fatalf("expected empty mode to default to auto, got %q %v", mode, ok)
	}
	if _, ok := ParseMode("turbo"); ok {
		t.Fatalf("expected unknown mode to be rejected")
	}
}
