package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/durable/run"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type runCreatedEntry struct {
	name string
	hook RunCreated
}

type runStartedEntry struct {
	name string
	hook RunStarted
}

type runWaitingEntry struct {
	name string
	hook RunWaiting
}

type runCompletedEntry struct {
	name string
	hook RunCompleted
}

type runFailedEntry struct {
	name string
	hook RunFailed
}

type taskCompletedEntry struct {
	name string
	hook TaskCompleted
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register all extensions before the engine starts; emits are then safe
// from any goroutine.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	runCreated    []runCreatedEntry
	runStarted    []runStartedEntry
	runWaiting    []runWaitingEntry
	runCompleted  []runCompletedEntry
	runFailed     []runFailedEntry
	taskCompleted []taskCompletedEntry
	taskRetrying  []taskRetryingEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RunCreated); ok {
		r.runCreated = append(r.runCreated, runCreatedEntry{name, h})
	}
	if h, ok := e.(RunStarted); ok {
		r.runStarted = append(r.runStarted, runStartedEntry{name, h})
	}
	if h, ok := e.(RunWaiting); ok {
		r.runWaiting = append(r.runWaiting, runWaitingEntry{name, h})
	}
	if h, ok := e.(RunCompleted); ok {
		r.runCompleted = append(r.runCompleted, runCompletedEntry{name, h})
	}
	if h, ok := e.(RunFailed); ok {
		r.runFailed = append(r.runFailed, runFailedEntry{name, h})
	}
	if h, ok := e.(TaskCompleted); ok {
		r.taskCompleted = append(r.taskCompleted, taskCompletedEntry{name, h})
	}
	if h, ok := e.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Run event emitters
// ──────────────────────────────────────────────────

// EmitRunCreated notifies all extensions that implement RunCreated.
func (r *Registry) EmitRunCreated(ctx context.Context, rn *run.Run) {
	for _, e := range r.runCreated {
		if err := e.hook.OnRunCreated(ctx, rn); err != nil {
			r.logHookError("OnRunCreated", e.name, err)
		}
	}
}

// EmitRunStarted notifies all extensions that implement RunStarted.
func (r *Registry) EmitRunStarted(ctx context.Context, rn *run.Run) {
	for _, e := range r.runStarted {
		if err := e.hook.OnRunStarted(ctx, rn); err != nil {
			r.logHookError("OnRunStarted", e.name, err)
		}
	}
}

// EmitRunWaiting notifies all extensions that implement RunWaiting.
func (r *Registry) EmitRunWaiting(ctx context.Context, rn *run.Run) {
	for _, e := range r.runWaiting {
		if err := e.hook.OnRunWaiting(ctx, rn); err != nil {
			r.logHookError("OnRunWaiting", e.name, err)
		}
	}
}

// EmitRunCompleted notifies all extensions that implement RunCompleted.
func (r *Registry) EmitRunCompleted(ctx context.Context, rn *run.Run, elapsed time.Duration) {
	for _, e := range r.runCompleted {
		if err := e.hook.OnRunCompleted(ctx, rn, elapsed); err != nil {
			r.logHookError("OnRunCompleted", e.name, err)
		}
	}
}

// EmitRunFailed notifies all extensions that implement RunFailed.
func (r *Registry) EmitRunFailed(ctx context.Context, rn *run.Run, runErr error) {
	for _, e := range r.runFailed {
		if err := e.hook.OnRunFailed(ctx, rn, runErr); err != nil {
			r.logHookError("OnRunFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskCompleted notifies all extensions that implement TaskCompleted.
func (r *Registry) EmitTaskCompleted(ctx context.Context, rn *run.Run, key string, elapsed time.Duration) {
	for _, e := range r.taskCompleted {
		if err := e.hook.OnTaskCompleted(ctx, rn, key, elapsed); err != nil {
			r.logHookError("OnTaskCompleted", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all extensions that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, rn *run.Run, key string, attempt int, nextAttemptAt time.Time, taskErr error) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, rn, key, attempt, nextAttemptAt, taskErr); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
