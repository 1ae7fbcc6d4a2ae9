package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/durable/run"
)

// meterName is the instrumentation scope name for durable metrics.
const meterName = "github.com/xraph/durable"

// Metrics returns middleware that records per-execution metrics using the
// global OTel MeterProvider.
//
// Instruments:
//   - durable.run.execution.duration (Float64Histogram): seconds per
//     execution, with attributes job_id and outcome ("ok", "suspended",
//     "error")
//   - durable.run.executions (Int64Counter): executions, same attributes
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the OTel API returns noop instruments.
	duration, _ := meter.Float64Histogram( //nolint:errcheck // noop fallback
		"durable.run.execution.duration",
		metric.WithDescription("Duration of one run execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter( //nolint:errcheck // noop fallback
		"durable.run.executions",
		metric.WithDescription("Total number of run executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, r *run.Run, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		attrs := metric.WithAttributes(
			attribute.String("job_id", r.JobID),
			attribute.String("outcome", outcome(err)),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
