package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("state: not found")

// KV is the storage primitive checkpoints are persisted through. Missing
// keys return ErrNotFound from Get and an empty slice from SMembers. A
// non-positive ttl means the key does not expire.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// Config addresses a checkpoint. An empty CheckpointID means "latest".
type Config struct {
	ThreadID     string `json:"threadId"`
	Namespace    string `json:"namespace"`
	CheckpointID string `json:"checkpointId,omitempty"`
}

// Checkpoint is an immutable serialized snapshot.
type Checkpoint struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"ts"`
	Values    json.RawMessage `json:"values"`
}

type Metadata map[string]any

type PendingWrite struct {
	TaskID  string          `json:"taskId"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// Write is one channel value produced by a task before its checkpoint is
// finalized.
type Write struct {
	Channel string
	Value   any
}

type Tuple struct {
	Config        Config
	Checkpoint    Checkpoint
	Metadata      Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

type ListOptions struct {
	// Before excludes the given checkpoint id and everything newer.
	Before string
	// Filter keeps only tuples whose metadata has equal values for every key.
	Filter map[string]any
	Limit  int
}

type record struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Metadata   Metadata   `json:"metadata,omitempty"`
	ParentID   string     `json:"parentId,omitempty"`
}
