package observe

import (
	"context"

	"github.com/PipeOpsHQ/agentcrew/types"
)

// DefaultEventTypes is the subset forwarded when no types are configured.
var DefaultEventTypes = []types.EventType{
	types.EventRunStarted,
	types.EventRunCompleted,
	types.EventRunFailed,
	types.EventStageStarted,
	types.EventStageCompleted,
	types.EventStageFailed,
	types.EventQCFinding,
	types.EventQCSummary,
	types.EventPatchApplied,
	types.EventPatchSummary,
	types.EventArtifactReady,
	types.EventWarning,
	types.EventError,
}

// Adapter forwards the configured event types and visibilities to a sink in
// the order it receives them.
type Adapter struct {
	sink         Sink
	types        map[types.EventType]bool
	visibilities map[types.Visibility]bool
}

type AdapterOption func(*Adapter)

// WithEventTypes replaces the forwarded event types. No types means all.
func WithEventTypes(eventTypes ...types.EventType) AdapterOption {
	return func(a *Adapter) {
		if len(eventTypes) == 0 {
			a.types = nil
			return
		}
		a.types = make(map[types.EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			a.types[t] = true
		}
	}
}

func WithVisibilities(visibilities ...types.Visibility) AdapterOption {
	return func(a *Adapter) {
		if len(visibilities) == 0 {
			return
		}
		a.visibilities = make(map[types.Visibility]bool, len(visibilities))
		for _, v := range visibilities {
			a.visibilities[v] = true
		}
	}
}

func NewAdapter(sink Sink, opts ...AdapterOption) *Adapter {
	if sink == nil {
		sink = NoopSink{}
	}
	a := &Adapter{
		sink:         sink,
		visibilities: map[types.Visibility]bool{types.VisibilityUser: true},
	}
	WithEventTypes(DefaultEventTypes...)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Allows(event types.EventLogEntry) bool {
	if a.types != nil && !a.types[event.Type] {
		return false
	}
	return a.visibilities[event.Visibility]
}

func (a *Adapter) Emit(ctx context.Context, event types.EventLogEntry) error {
	if !a.Allows(event) {
		return nil
	}
	return a.sink.Emit(ctx, event)
}
