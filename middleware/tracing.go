package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/durable/run"
)

// tracerName is the instrumentation scope name for durable tracing.
const tracerName = "github.com/xraph/durable"

// Tracing returns middleware that wraps each execution in an OpenTelemetry
// span using the global TracerProvider.
//
// Span attributes: durable.run.id, durable.job.id, durable.job.version,
// durable.event.name, durable.run.cursor, durable.run.attempt,
// durable.run.outcome.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, r *run.Run, next Handler) error {
		ctx, span := tracer.Start(ctx, "durable.run.execute",
			trace.WithAttributes(
				attribute.String("durable.run.id", r.ID.String()),
				attribute.String("durable.job.id", r.JobID),
				attribute.String("durable.job.version", r.JobVersion),
				attribute.String("durable.event.name", r.EventName),
				attribute.Int("durable.run.cursor", r.Cursor),
				attribute.Int("durable.run.attempt", r.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		result := outcome(err)
		span.SetAttributes(attribute.String("durable.run.outcome", result))
		if result == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
