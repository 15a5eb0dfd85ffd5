package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/PipeOpsHQ/agentcrew/state"
)

func TestFromEnv_SQLite(t *testing.T) {
	t.Setenv("AGENT_STATE_BACKEND", "sqlite")
	t.Setenv("AGENT_SQLITE_PATH", filepath.Join(t.TempDir(), "state.db"))

	s, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv sqlite failed: %v", err)
	}
	defer s.Close()

	cfg, err := s.Put(context.Background(), state.Config{ThreadID: "conv"}, state.Checkpoint{}, nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if cfg.CheckpointID == "" {
		t.Fatalf("expected checkpoint id")
	}
}

func TestFromEnv_Memory(t *testing.T) {
	t.Setenv("AGENT_STATE_BACKEND", "memory")

	s, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv memory failed: %v", err)
	}
	defer s.Close()
}

func TestFromEnv_HybridFallsBackWhenRedisUnavailable(t *testing.T) {
	t.Setenv("AGENT_STATE_BACKEND", "hybrid")
	t.Setenv("AGENT_SQLITE_PATH", filepath.Join(t.TempDir(), "state.db"))
	t.Setenv("AGENT_REDIS_ADDR", "127.0.0.1:1")

	s, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv hybrid failed unexpectedly: %v", err)
	}
	defer s.Close()
}

func TestFromEnv_InvalidBackend(t *testing.T) {
	t.Setenv("AGENT_STATE_BACKEND", "nope")
	if _, err := FromEnv(context.Background()); err == nil {
		t.Fatalf("expected error for invalid backend")
	}
}
