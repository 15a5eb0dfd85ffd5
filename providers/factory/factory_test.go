package factory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnv_OpenAI(t *testing.T) {
	t.Setenv("AGENT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")

	p, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if p.Name() != "openai" {
		t.Fatalf("expected openai provider, got %q", p.Name())
	}
}

func TestFromEnv_OpenAIRequiresKey(t *testing.T) {
	t.Setenv("AGENT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := FromEnv(context.Background()); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestFromEnv_UnsupportedProvider(t *testing.T) {
	t.Setenv("AGENT_PROVIDER", "unknown-provider")

	if _, err := FromEnv(context.Background()); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestFromEnv_Ollama(t *testing.T) {
	t.Setenv("AGENT_PROVIDER", "ollama")
	t.Setenv("OLLAMA_MODEL", "llama3.1:8b")
	t.Setenv("OLLAMA_BASE_URL", "http://127.0.0.1:11434")

	p, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if p.Name() != "ollama" {
		t.Fatalf("expected ollama provider, got %q", p.Name())
	}
}

func TestFromEnv_Scripted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	if err := os.WriteFile(path, []byte("coordinator.plan:\n  - content: '{}'\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENT_PROVIDER", "scripted")
	t.Setenv("AGENT_SCRIPT_FILE", path)

	p, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if p.Name() != "scripted" {
		t.Fatalf("expected scripted provider, got %q", p.Name())
	}
}
