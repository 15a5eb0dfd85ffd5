package types

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventRunStarted        EventType = "run.started"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventStageStarted      EventType = "stage.started"
	EventStageCompleted    EventType = "stage.completed"
	EventStageFailed       EventType = "stage.failed"
	EventPlanCreated       EventType = "plan.created"
	EventResearchCompleted EventType = "research.completed"
	EventPatchApplied      EventType = "patch.applied"
	EventPatchSummary      EventType = "patch.summary"
	EventQCFinding         EventType = "qc.finding"
	EventQCSummary         EventType = "qc.summary"
	EventArtifactReady     EventType = "artifact.ready"
	EventStatus            EventType = "status"
	EventWarning           EventType = "warning"
	EventError             EventType = "error"
)

// Visibility controls which audience an event reaches. Only user events are
// shown to end users by default.
type Visibility string

const (
	VisibilityUser     Visibility = "user"
	VisibilityExpert   Visibility = "expert"
	VisibilityInternal Visibility = "internal"
)

type EventLogEntry struct {
	EventID    string         `json:"eventId"`
	RunID      string         `json:"runId"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       EventType      `json:"type"`
	Stage      Stage          `json:"stage,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	Visibility Visibility     `json:"visibility"`
}

// NewEvent builds a user-visible event with a fresh id and timestamp.
func NewEvent(runID string, eventType EventType, stage Stage, agent, summary string) EventLogEntry {
	return EventLogEntry{
		EventID:    uuid.NewString(),
		RunID:      runID,
		Timestamp:  time.Now().UTC(),
		Type:       eventType,
		Stage:      stage,
		Agent:      agent,
		Summary:    summary,
		Visibility: VisibilityUser,
	}
}

func (e EventLogEntry) WithDetails(details map[string]any) EventLogEntry {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

func (e EventLogEntry) WithVisibility(v Visibility) EventLogEntry {
	if v != "" {
		e.Visibility = v
	}
	return e
}
