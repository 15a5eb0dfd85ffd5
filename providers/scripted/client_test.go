package scripted

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/PipeOpsHQ/agentcrew/types"
)

func TestRepliesInOrderThenRepeatLast(t *testing.T) {
	c := New(nil)
	if err := c.Script("qc.completeness", `{"issues":[]}`, errors.New("down"), map[string]any{"issues": []any{}}); err != nil {
		t.Fatalf("Script: %v", err)
	}
	req := types.Request{Prompt: "qc.completeness"}

	resp, err := c.Generate(context.Background(), req)
	if err != nil || resp.Message.Content != `{"issues":[]}` {
		t.Fatalf("first reply: %q %v", resp.Message.Content, err)
	}
	if _, err := c.Generate(context.Background(), req); err == nil {
		t.Fatal("second reply should fail")
	}
	for i := 0; i < 2; i++ {
		resp, err = c.Generate(context.Background(), req)
		if err != nil || resp.Message.Content != `{"issues":[]}` {
			t.Fatalf("repeat %d: %q %v", i, resp.Message.Content, err)
		}
	}
	if c.Calls("qc.completeness") != 4 {
		t.Fatalf("expected 4 calls, got %d", c.Calls("qc.completeness"))
	}
}

func TestUnknownPrompt(t *testing.T) {
	if _, err := New(nil).Generate(context.Background(), types.Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	doc := "coordinator.plan:\n  - content: '{\"tasks\":[\"a\"]}'\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	resp, err := c.Generate(context.Background(), types.Request{Prompt: "coordinator.plan"})
	if err != nil || resp.Message.Content != `{"tasks":["a"]}` {
		t.Fatalf("unexpected reply %q %v", resp.Message.Content, err)
	}
}
