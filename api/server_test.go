package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/agentcrew/agent"
	"github.com/PipeOpsHQ/agentcrew/llm"
	"github.com/PipeOpsHQ/agentcrew/patch"
	"github.com/PipeOpsHQ/agentcrew/pipeline"
	"github.com/PipeOpsHQ/agentcrew/policy"
	"github.com/PipeOpsHQ/agentcrew/prompt"
	"github.com/PipeOpsHQ/agentcrew/providers/scripted"
	"github.com/PipeOpsHQ/agentcrew/resilience"
	"github.com/PipeOpsHQ/agentcrew/state"
	"github.com/PipeOpsHQ/agentcrew/state/memory"
	"github.com/PipeOpsHQ/agentcrew/types"
)

func newTestServer(t *testing.T) (*Server, *pipeline.Service) {
	t.Helper()
	script := scripted.New(nil)
	replies := map[string]any{
		prompt.CoordinatorPlan: agent.PlanOutput{Tasks: []agent.PlannedTask{{Description: "form"}}},
		prompt.ArchitectBuild: agent.PatchOutput{Patches: []agent.PatchProposal{{
			TaskID:      "task-1",
			Description: "form",
			Files: []agent.FileDiff{{
				Path:        "src/form.ts",
				UnifiedDiff: "--- /dev/null\n+++ b/src/form.ts\n@@ -0,0 +1 @@\n+export const form = 1;\n",
			}},
		}}},
		prompt.QCCompleteness: agent.ReviewOutput{Issues: []agent.ReviewIssue{}},
	}
	for promptType, reply := range replies {
		if err := script.Script(promptType, reply); err != nil {
			t.Fatalf("Script: %v", err)
		}
	}
	structured, err := llm.NewStructured(script, nil,
		llm.WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond}),
		llm.WithBreakers(resilience.NewBreakers(resilience.BreakerSettings{Threshold: 100}, logr.Discard())),
	)
	if err != nil {
		t.Fatalf("NewStructured: %v", err)
	}
	ws, err := patch.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	engine, err := policy.NewEngine(context.Background(), "")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	saver, err := state.NewSaver(memory.New())
	if err != nil {
		t.Fatalf("NewSaver: %v", err)
	}
	svc, err := pipeline.NewService(agent.Deps{LLM: structured, Patches: ws, Policy: engine}, saver, pipeline.ServiceOptions{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	srv, err := NewServer(svc, WithKeepalive(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, svc
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// submit creates a run and waits for it to finish.
func submit(t *testing.T, srv *Server, svc *pipeline.Service) createRunResponse {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/v1/runs", `{"requestText":"add a contact form","constraints":{"language":"typescript"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created createRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := svc.Wait(ctx, created.RunID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if info.Status != pipeline.RunCompleted {
		t.Fatalf("unexpected run %+v", info)
	}
	return created
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateRunValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"requestText":`, http.StatusBadRequest},
		{"empty request", `{"requestText":"  "}`, http.StatusBadRequest},
		{"unknown mode", `{"requestText":"x","mode":"turbo"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, srv, http.MethodPost, "/api/v1/runs", tt.body); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	srv, svc := newTestServer(t)
	created := submit(t, srv, svc)
	base := "/api/v1/runs/" + created.ConversationID

	rec := do(t, srv, http.MethodGet, base, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var run runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.State.RunID != created.RunID || run.State.Status.Stage != types.StageFinalize || !run.State.QC.Pass {
		t.Fatalf("unexpected run state %+v", run.State.Status)
	}
	if run.Run == nil || run.Run.Status != pipeline.RunCompleted {
		t.Fatalf("expected run info, got %+v", run.Run)
	}

	rec = do(t, srv, http.MethodGet, base+"/checkpoints?limit=2", "")
	var history struct {
		Checkpoints []pipeline.HistoryEntry `json:"checkpoints"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.Checkpoints) != 2 || history.Checkpoints[0].Stage != types.StageFinalize {
		t.Fatalf("unexpected history %+v", history.Checkpoints)
	}
	rec = do(t, srv, http.MethodGet, base+"/checkpoints?before="+history.Checkpoints[0].CheckpointID, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.Checkpoints) != 5 {
		t.Fatalf("expected five older checkpoints, got %d", len(history.Checkpoints))
	}

	if rec := do(t, srv, http.MethodPost, base+"/resume", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a finished thread, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, base+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a finished run, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/api/v1/runs/missing/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 cancelling an unknown thread, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodDelete, base, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, base, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, base+"/events", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 events after delete, got %d", rec.Code)
	}
}

func readSSE(t *testing.T, body io.Reader) []string {
	t.Helper()
	var eventTypes []string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			eventTypes = append(eventTypes, name)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return eventTypes
}

func TestStreamEventsReplaysFinishedRun(t *testing.T) {
	srv, svc := newTestServer(t)
	created := submit(t, srv, svc)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		query      string
		wantExpert bool
	}{
		{"", false},
		{"?visibility=expert", true},
	}
	for _, tt := range tests {
		t.Run("visibility"+tt.query, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/v1/runs/" + created.ConversationID + "/events" + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
				t.Fatalf("unexpected content type %q", ct)
			}
			got := readSSE(t, resp.Body)
			if len(got) == 0 || got[0] != string(types.EventRunStarted) || !slices.Contains(got, string(types.EventRunCompleted)) {
				t.Fatalf("unexpected events %v", got)
			}
			hasExpert := slices.Contains(got, string(types.EventStageStarted))
			if hasExpert != tt.wantExpert {
				t.Fatalf("expected expert events=%v, got %v", tt.wantExpert, got)
			}
		})
	}
}

func TestWebSocketReplaysFinishedRun(t *testing.T) {
	srv, svc := newTestServer(t)
	created := submit(t, srv, svc)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/" + created.ConversationID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var got []types.EventType
	for {
		var event types.EventLogEntry
		if err := conn.ReadJSON(&event); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("ReadJSON: %v", err)
			}
			break
		}
		if event.Visibility != types.VisibilityUser {
			t.Fatalf("unexpected %s event %s", event.Visibility, event.Type)
		}
		got = append(got, event.Type)
	}
	if len(got) == 0 || got[0] != types.EventRunStarted || got[len(got)-1] != types.EventRunCompleted {
		t.Fatalf("unexpected events %v", got)
	}
}
