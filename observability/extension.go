package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/run"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.RunCreated    = (*MetricsExtension)(nil)
	_ ext.RunStarted    = (*MetricsExtension)(nil)
	_ ext.RunWaiting    = (*MetricsExtension)(nil)
	_ ext.RunCompleted  = (*MetricsExtension)(nil)
	_ ext.RunFailed     = (*MetricsExtension)(nil)
	_ ext.TaskCompleted = (*MetricsExtension)(nil)
	_ ext.TaskRetrying  = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/durable/observability"

// MetricsExtension records system-wide lifecycle counters. Every counter
// carries a job_id attribute; RunFailed also carries failure_kind.
type MetricsExtension struct {
	RunCreated    metric.Int64Counter
	RunStarted    metric.Int64Counter
	RunWaiting    metric.Int64Counter
	RunCompleted  metric.Int64Counter
	RunFailed     metric.Int64Counter
	TaskCompleted metric.Int64Counter
	TaskRetried   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	return &MetricsExtension{
		RunCreated:    counter(meter, "durable.run.created", "Runs created by trigger events"),
		RunStarted:    counter(meter, "durable.run.started", "Runs executed for the first time"),
		RunWaiting:    counter(meter, "durable.run.waiting", "Run suspensions"),
		RunCompleted:  counter(meter, "durable.run.completed", "Runs completed successfully"),
		RunFailed:     counter(meter, "durable.run.failed", "Runs failed terminally"),
		TaskCompleted: counter(meter, "durable.task.completed", "Task callbacks executed and recorded"),
		TaskRetried:   counter(meter, "durable.task.retried", "Task callback failures scheduled for retry"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	// On error the OTel API returns a noop instrument.
	c, _ := meter.Int64Counter(name, metric.WithDescription(desc)) //nolint:errcheck // noop fallback
	return c
}

func jobAttr(r *run.Run) metric.AddOption {
	return metric.WithAttributes(attribute.String("job_id", r.JobID))
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Run lifecycle hooks ─────────────────────────────

// OnRunCreated implements ext.RunCreated.
func (m *MetricsExtension) OnRunCreated(ctx context.Context, r *run.Run) error {
	m.RunCreated.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnRunStarted implements ext.RunStarted.
func (m *MetricsExtension) OnRunStarted(ctx context.Context, r *run.Run) error {
	m.RunStarted.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnRunWaiting implements ext.RunWaiting.
func (m *MetricsExtension) OnRunWaiting(ctx context.Context, r *run.Run) error {
	m.RunWaiting.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, r *run.Run, _ time.Duration) error {
	m.RunCompleted.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnRunFailed implements ext.RunFailed.
func (m *MetricsExtension) OnRunFailed(ctx context.Context, r *run.Run, _ error) error {
	m.RunFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_id", r.JobID),
		attribute.String("failure_kind", string(r.FailureKind)),
	))
	return nil
}

// ── Task hooks ──────────────────────────────────────

// OnTaskCompleted implements ext.TaskCompleted.
func (m *MetricsExtension) OnTaskCompleted(ctx context.Context, r *run.Run, _ string, _ time.Duration) error {
	m.TaskCompleted.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, r *run.Run, _ string, _ int, _ time.Time, _ error) error {
	m.TaskRetried.Add(ctx, 1, jobAttr(r))
	return nil
}
