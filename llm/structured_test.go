package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/agentcrew/prompt"
	"github.com/PipeOpsHQ/agentcrew/resilience"
	"github.com/PipeOpsHQ/agentcrew/types"
)

type fakeProvider struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []types.Request
}

func (f *fakeProvider) Name() string               { return "fake" }
func (f *fakeProvider) Capabilities() Capabilities { return Capabilities{StructuredOutput: true} }

func (f *fakeProvider) Generate(_ context.Context, req types.Request) (types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return types.Response{}, f.errs[i]
	}
	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return types.Response{Message: types.Message{Role: types.RoleAssistant, Content: reply}}, nil
}

type planOutput struct {
	Tasks         []string `json:"tasks"`
	NeedsResearch bool     `json:"needsResearch,omitempty"`
}

func fastPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newStructured(t *testing.T, p Provider) *Structured {
	t.Helper()
	s, err := NewStructured(p, prompt.NewBuiltinRegistry(), WithRetryPolicy(fastPolicy()), WithLogger(logr.Discard()))
	if err != nil {
		t.Fatalf("NewStructured: %v", err)
	}
	return s
}

var planVars = map[string]string{
	"requestText":   "add a health endpoint",
	"language":      "go",
	"securityLevel": "standard",
	"testLevel":     "unit",
}

func TestInvokeDecodesValidatedOutput(t *testing.T) {
	p := &fakeProvider{replies: []string{"```json\n{\"tasks\": [\"write handler\", \"add test\"]}\n```"}}
	s := newStructured(t, p)

	var out planOutput
	if err := s.Invoke(context.Background(), prompt.CoordinatorPlan, planVars, &out); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if diff := cmp.Diff(planOutput{Tasks: []string{"write handler", "add test"}}, out); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	req := p.requests[0]
	if req.Prompt != prompt.CoordinatorPlan || req.ResponseSchema == nil {
		t.Fatalf("request missing prompt or schema: %+v", req)
	}
	if !strings.Contains(req.Messages[0].Content, "add a health endpoint") {
		t.Fatalf("user prompt not rendered: %q", req.Messages[0].Content)
	}
}

func TestInvokeRetriesMalformedOutput(t *testing.T) {
	p := &fakeProvider{replies: []string{
		"not json at all",
		`{"needsResearch": true}`,
		`{"tasks": ["one"]}`,
	}}
	s := newStructured(t, p)

	var out planOutput
	if err := s.Invoke(context.Background(), prompt.CoordinatorPlan, planVars, &out); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(p.requests) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(p.requests))
	}
	if len(out.Tasks) != 1 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestInvokeGivesUpWithMalformedOutput(t *testing.T) {
	p := &fakeProvider{replies: []string{"[]", "[]", "[]"}}
	s := newStructured(t, p)

	var out planOutput
	err := s.Invoke(context.Background(), prompt.CoordinatorPlan, planVars, &out)
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestInvokeStopsOnContextTooLarge(t *testing.T) {
	p := &fakeProvider{errs: []error{resilience.ErrContextTooLarge}}
	s := newStructured(t, p)

	var out planOutput
	err := s.Invoke(context.Background(), prompt.CoordinatorPlan, planVars, &out)
	if !errors.Is(err, resilience.ErrContextTooLarge) {
		t.Fatalf("expected ErrContextTooLarge, got %v", err)
	}
	if len(p.requests) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(p.requests))
	}
}

func TestInvokeUnknownPromptIsPermanent(t *testing.T) {
	p := &fakeProvider{}
	s := newStructured(t, p)
	var out planOutput
	err := s.Invoke(context.Background(), "nope", nil, &out)
	if err == nil || resilience.IsRetryable(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if len(p.requests) != 0 {
		t.Fatal("provider should not be called")
	}
}

func TestInvokeRejectsNonPointer(t *testing.T) {
	s := newStructured(t, &fakeProvider{})
	if err := s.Invoke(context.Background(), prompt.CoordinatorPlan, planVars, planOutput{}); err == nil {
		t.Fatal("expected error for non-pointer target")
	}
}

func TestInvokeOpensCircuit(t *testing.T) {
	failing := errors.New("503 upstream")
	p := &fakeProvider{errs: []error{failing, failing, failing, failing}}
	breakers := resilience.NewBreakers(resilience.BreakerSettings{Threshold: 2, Cooldown: time.Minute}, logr.Discard())
	s, err := NewStructured(p, nil, WithRetryPolicy(fastPolicy()), WithBreakers(breakers))
	if err != nil {
		t.Fatalf("NewStructured: %v", err)
	}
	var out planOutput
	err = s.Invoke(context.Background(), prompt.CoordinatorPlan, planVars, &out)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit to open, got %v", err)
	}
	if len(p.requests) != 2 {
		t.Fatalf("expected 2 provider calls before the circuit opened, got %d", len(p.requests))
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                    `{"a":1}`,
		"```json\n{\"a\":1}\n```":    `{"a":1}`,
		"Here you go: {\"a\":1} ok.": `{"a":1}`,
		"  [1,2]  ":                  `[1,2]`,
		"":                           "",
	}
	for in, want := range cases {
		if got := ExtractJSON(in); got != want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
