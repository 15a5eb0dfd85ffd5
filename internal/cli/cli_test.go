package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/agentcrew/agent"
	"github.com/PipeOpsHQ/agentcrew/pipeline"
	"github.com/PipeOpsHQ/agentcrew/prompt"
	"github.com/PipeOpsHQ/agentcrew/providers/scripted"
	"github.com/PipeOpsHQ/agentcrew/types"
)

// setupEnv points the CLI at a scripted provider, a sqlite store and an
// empty workspace, all under a temp dir.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	replies := map[string]any{
		prompt.CoordinatorPlan: agent.PlanOutput{Tasks: []agent.PlannedTask{{Description: "contact form"}}},
		prompt.ArchitectBuild: agent.PatchOutput{Patches: []agent.PatchProposal{{
			TaskID:      "task-1",
			Description: "contact form",
			Files: []agent.FileDiff{{
				Path:        "src/form.ts",
				UnifiedDiff: "--- /dev/null\n+++ b/src/form.ts\n@@ -0,0 +1 @@\n+export const form = 1;\n",
			}},
		}}},
		prompt.QCCompleteness: agent.ReviewOutput{Issues: []agent.ReviewIssue{}},
	}
	script := map[string][]scripted.Reply{}
	for promptType, reply := range replies {
		raw, err := json.Marshal(reply)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		script[promptType] = []scripted.Reply{{Content: string(raw)}}
	}
	raw, err := json.Marshal(script)
	if err != nil {
		t.Fatalf("marshal script: %v", err)
	}
	scriptPath := filepath.Join(dir, "script.json")
	if err := os.WriteFile(scriptPath, raw, 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	workspace := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	t.Setenv("AGENT_PROVIDER", "scripted")
	t.Setenv("AGENT_SCRIPT_FILE", scriptPath)
	t.Setenv("AGENT_STATE_BACKEND", "sqlite")
	t.Setenv("AGENT_SQLITE_PATH", filepath.Join(dir, "state", "state.db"))
	t.Setenv("AGENT_WORKSPACE", workspace)
	t.Setenv("AGENT_PIPELINE_CONFIG", "")
	return workspace
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func lines(out string) []string {
	return strings.Split(strings.TrimSpace(out), "\n")
}

func TestRunCommandAppliesPatches(t *testing.T) {
	workspace := setupEnv(t)

	out, err := execute(t, "run", "-o", "json", "--conversation", "shop", "--language", "typescript", "--", "add", "a", "contact", "form")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	got := lines(out)
	var first types.EventLogEntry
	if err := json.Unmarshal([]byte(got[0]), &first); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if first.Type != types.EventRunStarted {
		t.Fatalf("expected run.started first, got %s", first.Type)
	}
	var summary runSummary
	if err := json.Unmarshal([]byte(got[len(got)-1]), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Run.Status != pipeline.RunCompleted || summary.Run.ThreadID != "shop" || !summary.Pass {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Patches) != 1 || !summary.Patches[0].Applied {
		t.Fatalf("unexpected patches %+v", summary.Patches)
	}
	if _, err := os.Stat(filepath.Join(workspace, "src", "form.ts")); err != nil {
		t.Fatalf("patch not applied: %v", err)
	}

	out, err = execute(t, "history", "-o", "json", "--limit", "3", "shop")
	if err != nil {
		t.Fatalf("history: %v\n%s", err, out)
	}
	history := lines(out)
	if len(history) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d:\n%s", len(history), out)
	}
	var newest pipeline.HistoryEntry
	if err := json.Unmarshal([]byte(history[0]), &newest); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if newest.Stage != types.StageFinalize {
		t.Fatalf("unexpected newest checkpoint %+v", newest)
	}

	out, err = execute(t, "threads", "-o", "json")
	if err != nil {
		t.Fatalf("threads: %v\n%s", err, out)
	}
	var row threadRow
	if err := json.Unmarshal([]byte(lines(out)[0]), &row); err != nil {
		t.Fatalf("decode thread: %v", err)
	}
	if row.ThreadID != "shop" || row.RunID != summary.Run.RunID {
		t.Fatalf("unexpected thread row %+v", row)
	}

	if out, err := execute(t, "resume", "shop"); err == nil {
		t.Fatalf("expected resume of a finished thread to fail:\n%s", out)
	}
	if out, err := execute(t, "delete", "shop"); err != nil {
		t.Fatalf("delete: %v\n%s", err, out)
	}
	if _, err := execute(t, "history", "shop"); err == nil {
		t.Fatal("expected history of a deleted thread to fail")
	}
}

func TestRunCommandValidation(t *testing.T) {
	setupEnv(t)
	if _, err := execute(t, "run"); err == nil {
		t.Fatal("expected missing request error")
	}
	if _, err := execute(t, "run", "--mode", "turbo", "--", "x"); err == nil {
		t.Fatal("expected unknown mode error")
	}
	if _, err := execute(t, "threads", "-o", "yaml"); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestSweepCommand(t *testing.T) {
	setupEnv(t)
	if out, err := execute(t, "run", "-o", "json", "--conversation", "old", "--", "add a form"); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	out, err := execute(t, "sweep", "-o", "text", "--retention", "1h")
	if err != nil {
		t.Fatalf("sweep: %v\n%s", err, out)
	}
	if !strings.Contains(out, "scanned 1 threads, deleted 0") {
		t.Fatalf("unexpected sweep output %q", out)
	}
}

func TestPromptsCommandListsOverrides(t *testing.T) {
	setupEnv(t)
	dir := t.TempDir()
	override := "name: coordinator.plan\nversion: v2\ndescription: terse planner\nsystem: plan tersely\nuser: \"plan {{ requestText }}\"\n"
	if err := os.WriteFile(filepath.Join(dir, "plan.yaml"), []byte(override), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	out, err := execute(t, "prompts", "-o", "json", "--prompts", dir)
	if err != nil {
		t.Fatalf("prompts: %v\n%s", err, out)
	}
	var rows []promptRow
	for _, line := range lines(out) {
		var row promptRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		rows = append(rows, row)
	}
	if len(rows) != len(prompt.NewBuiltinRegistry().List())+1 {
		t.Fatalf("expected the built-ins plus one override, got %+v", rows)
	}
	var found bool
	for _, row := range rows {
		if row.Name == prompt.CoordinatorPlan && row.Version == "v2" {
			found = true
			if diff := cmp.Diff(promptRow{Name: prompt.CoordinatorPlan, Version: "v2", Description: "terse planner", Variables: []string{"requestText"}}, row); diff != "" {
				t.Fatalf("override row mismatch (-want +got):\n%s", diff)
			}
		}
	}
	if !found {
		t.Fatalf("override missing from %+v", rows)
	}
}
