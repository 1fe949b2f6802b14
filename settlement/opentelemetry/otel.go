// Package opentelemetry sets up the process telemetry providers and holds the
// span helpers shared by settlement components.
package opentelemetry

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError marks span as failed and records err on it.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// HandleSpanEvent adds a named event to span.
func HandleSpanEvent(span trace.Span, name string, opts ...trace.EventOption) {
	if span == nil {
		return
	}

	span.AddEvent(name, opts...)
}
