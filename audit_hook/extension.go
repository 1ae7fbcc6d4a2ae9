package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/run"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.RunCreated    = (*Extension)(nil)
	_ ext.RunStarted    = (*Extension)(nil)
	_ ext.RunWaiting    = (*Extension)(nil)
	_ ext.RunCompleted  = (*Extension)(nil)
	_ ext.RunFailed     = (*Extension)(nil)
	_ ext.TaskCompleted = (*Extension)(nil)
	_ ext.TaskRetrying  = (*Extension)(nil)
)

// Recorder is the interface audit backends implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit record.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension emits an audit event for every run and task lifecycle hook.
// Recorder errors are logged and never fail the run.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Run lifecycle hooks ─────────────────────────────

// OnRunCreated implements ext.RunCreated.
func (e *Extension) OnRunCreated(ctx context.Context, r *run.Run) error {
	return e.record(ctx, ActionRunCreated, SeverityInfo, OutcomeSuccess,
		r.ID.String(), CategoryRun, nil,
		"job_id", r.JobID,
		"job_version", r.JobVersion,
		"event_id", r.EventID,
		"event_name", r.EventName,
	)
}

// OnRunStarted implements ext.RunStarted.
func (e *Extension) OnRunStarted(ctx context.Context, r *run.Run) error {
	return e.record(ctx, ActionRunStarted, SeverityInfo, OutcomeSuccess,
		r.ID.String(), CategoryRun, nil,
		"job_id", r.JobID,
		"worker_id", r.LeaseOwner.String(),
	)
}

// OnRunWaiting implements ext.RunWaiting.
func (e *Extension) OnRunWaiting(ctx context.Context, r *run.Run) error {
	wakeAt := ""
	if r.WakeAt != nil {
		wakeAt = r.WakeAt.UTC().Format(time.RFC3339)
	}
	return e.record(ctx, ActionRunWaiting, SeverityInfo, OutcomeSuccess,
		r.ID.String(), CategoryRun, nil,
		"job_id", r.JobID,
		"cursor", r.Cursor,
		"wake_at", wakeAt,
	)
}

// OnRunCompleted implements ext.RunCompleted.
func (e *Extension) OnRunCompleted(ctx context.Context, r *run.Run, elapsed time.Duration) error {
	return e.record(ctx, ActionRunCompleted, SeverityInfo, OutcomeSuccess,
		r.ID.String(), CategoryRun, nil,
		"job_id", r.JobID,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnRunFailed implements ext.RunFailed.
func (e *Extension) OnRunFailed(ctx context.Context, r *run.Run, runErr error) error {
	return e.record(ctx, ActionRunFailed, SeverityCritical, OutcomeFailure,
		r.ID.String(), CategoryRun, runErr,
		"job_id", r.JobID,
		"failure_kind", string(r.FailureKind),
	)
}

// ── Task hooks ──────────────────────────────────────

// OnTaskCompleted implements ext.TaskCompleted.
func (e *Extension) OnTaskCompleted(ctx context.Context, r *run.Run, key string, elapsed time.Duration) error {
	return e.record(ctx, ActionTaskCompleted, SeverityInfo, OutcomeSuccess,
		r.ID.String(), CategoryTask, nil,
		"job_id", r.JobID,
		"task_key", key,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnTaskRetrying implements ext.TaskRetrying.
func (e *Extension) OnTaskRetrying(ctx context.Context, r *run.Run, key string, attempt int, nextAttemptAt time.Time, taskErr error) error {
	return e.record(ctx, ActionTaskRetrying, SeverityWarning, OutcomeFailure,
		r.ID.String(), CategoryTask, taskErr,
		"job_id", r.JobID,
		"task_key", key,
		"attempt", attempt,
		"next_attempt_at", nextAttemptAt.UTC().Format(time.RFC3339),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// kvPairs is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = reason
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   ResourceRun,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
