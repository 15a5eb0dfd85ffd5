// Package otel bridges observe.Sink to OpenTelemetry tracing.
//
// Every run event becomes a zero-length span carrying the run id, stage,
// agent and details as attributes, so pipeline runs show up in any
// OpenTelemetry backend.
package otel

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/agentcrew/types"
)

const instrumentationName = "github.com/PipeOpsHQ/agentcrew"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

func (s *Sink) Emit(_ context.Context, event types.EventLogEntry) error {
	_, span := s.tracer.Start(context.Background(), "agentcrew."+string(event.Type), trace.WithTimestamp(event.Timestamp))

	attrs := []attribute.KeyValue{
		attribute.String("agentcrew.event.id", event.EventID),
		attribute.String("agentcrew.event.type", string(event.Type)),
		attribute.String("agentcrew.visibility", string(event.Visibility)),
	}
	if event.RunID != "" {
		attrs = append(attrs, attribute.String("agentcrew.run.id", event.RunID))
	}
	if event.Stage != "" {
		attrs = append(attrs, attribute.String("agentcrew.stage", string(event.Stage)))
	}
	if event.Agent != "" {
		attrs = append(attrs, attribute.String("agentcrew.agent", event.Agent))
	}
	if event.Summary != "" {
		attrs = append(attrs, attribute.String("agentcrew.summary", truncate(event.Summary, 1024)))
	}
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String("agentcrew.detail."+k, fmt.Sprintf("%v", event.Details[k])))
	}
	span.SetAttributes(attrs...)

	switch event.Type {
	case types.EventError, types.EventRunFailed, types.EventStageFailed:
		span.SetStatus(codes.Error, event.Summary)
		span.RecordError(fmt.Errorf("%s", event.Summary))
	case types.EventRunCompleted, types.EventStageCompleted:
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(event.Timestamp))
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
