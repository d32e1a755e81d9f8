// Package telemetry instruments generation calls with OTEL tracing and
// metrics. It uses the global providers; configure them via
// otel.SetTracerProvider/SetMeterProvider (typically through
// clue.ConfigureOpenTelemetry) before generating.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "goa.design/codex"

var (
	tracer = otel.Tracer(scope)
	meter  = otel.Meter(scope)

	calls     metric.Int64Counter
	parts     metric.Int64Counter
	callTime  metric.Float64Histogram
)

func init() {
	calls, _ = meter.Int64Counter("codex.generation.calls",
		metric.WithDescription("Number of generation calls started."))
	parts, _ = meter.Int64Counter("codex.generation.parts",
		metric.WithDescription("Number of stream parts emitted."))
	callTime, _ = meter.Float64Histogram("codex.generation.duration",
		metric.WithDescription("Generation call duration in seconds."),
		metric.WithUnit("s"))
}

// Span wraps one generation call's trace span.
type Span struct {
	span trace.Span
}

// StartCall opens a span for a generation call and counts it.
func StartCall(ctx context.Context, model string, persistent bool) (context.Context, *Span) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("persistent", persistent),
	)
	calls.Add(ctx, 1, attrs)
	ctx, span := tracer.Start(ctx, "codex.generate", trace.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("persistent", persistent),
	))
	return ctx, &Span{span: span}
}

// CountParts adds to the emitted-part counter.
func CountParts(ctx context.Context, n int) {
	parts.Add(ctx, int64(n))
}

// RecordDuration records a completed call's duration in seconds.
func RecordDuration(ctx context.Context, seconds float64) {
	callTime.Record(ctx, seconds)
}

// Event records a span event.
func (s *Span) Event(name string, kvs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(kvs...))
}

// End closes the span, recording err when non-nil.
func (s *Span) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
