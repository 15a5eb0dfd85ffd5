package cron

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/agentcrew/state"
)

// ThreadStore is the part of the checkpoint store the sweeper needs.
type ThreadStore interface {
	Threads(ctx context.Context) ([]string, error)
	Get(ctx context.Context, cfg state.Config) (state.Tuple, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// SweepRun records one pass of the sweeper.
type SweepRun struct {
	At         time.Time `json:"at"`
	DurationMS int64     `json:"durationMs"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Scanned    int       `json:"scanned"`
	Deleted    []string  `json:"deleted,omitempty"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}
