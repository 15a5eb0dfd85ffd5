package gemini

import (
	"testing"

	"google.golang.org/genai"

	"github.com/PipeOpsHQ/agentcrew/types"
)

func TestBuildConfigRequestsJSON(t *testing.T) {
	schema := map[string]any{"type": "object"}
	cfg := buildConfig(types.Request{
		SystemPrompt:    "plan",
		MaxOutputTokens: 128,
		Temperature:     types.Ptr(0.2),
		ResponseSchema:  schema,
	})
	if cfg.ResponseMIMEType != "application/json" {
		t.Fatalf("expected JSON mime type, got %q", cfg.ResponseMIMEType)
	}
	if cfg.ResponseJsonSchema == nil {
		t.Fatal("expected response schema to be forwarded")
	}
	if cfg.MaxOutputTokens != 128 || cfg.Temperature == nil {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SystemInstruction == nil {
		t.Fatal("expected system instruction")
	}
}

func TestParseResponseJoinsTextAndSkipsThoughts(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking", Thought: true},
				{Text: `{"tasks":`},
				{Text: `[]}`},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 12},
	}
	out, err := parseGeminiResponse(resp)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Message.Content != `{"tasks":[]}` {
		t.Fatalf("unexpected content %q", out.Message.Content)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 12 {
		t.Fatalf("unexpected usage %+v", out.Usage)
	}
	if out.FinishReason != string(genai.FinishReasonStop) {
		t.Fatalf("unexpected finish reason %q", out.FinishReason)
	}
}

func TestParseResponseWithoutCandidates(t *testing.T) {
	if _, err := parseGeminiResponse(&genai.GenerateContentResponse{}); err == nil {
		t.Fatal("expected error for empty response")
	}
}
