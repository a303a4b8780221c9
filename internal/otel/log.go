package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// TraceContextFrom extracts the trace and span ids of the span active in
// ctx. Both come back empty when tracing is disabled or nothing is
// recording, so callers can omit the fields entirely.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// LogTraceFields decorates a zerolog event with trace_id and span_id when a
// valid span is active, so every log line from one conversation turn can be
// joined to its trace. Attach it with .Func:
//
//	log.Warn().Func(otel.LogTraceFields(ctx)).Msg("reply_violates_persona")
func LogTraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		traceID, spanID := TraceContextFrom(ctx)
		if traceID != "" {
			e.Str("trace_id", traceID).Str("span_id", spanID)
		}
	}
}
