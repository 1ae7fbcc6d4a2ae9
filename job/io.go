package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/durable/event"
	"github.com/xraph/durable/id"
)

// TaskFunc is the body of a memoized step. Its result is JSON-encoded and
// recorded under the step's cache key.
type TaskFunc func(ctx context.Context) (any, error)

// IO is the capability object passed to a running handler. It is the only
// way a handler may suspend, memoize, or trigger further work.
//
// Primitives that suspend the run return an error wrapping
// durable.ErrSuspended. The handler must return that error unchanged; the
// scheduler persists the run as waiting and frees the worker.
type IO interface {
	// Context is cancelled when the execution is abandoned (timeout,
	// shutdown or lost lease).
	Context() context.Context

	// RunID returns the ID of the executing run.
	RunID() id.RunID

	// JobID returns the ID of the executing job definition.
	JobID() string

	// Replaying reports whether the handler is still re-reading journaled
	// steps. Use it to suppress duplicate non-durable side effects such as
	// log lines.
	Replaying() bool

	// Logger returns a logger bound to the run. Records emitted while
	// replaying are dropped.
	Logger() *slog.Logger

	// RunTask returns the journaled result for key, or executes fn exactly
	// once, records its JSON-encoded result and returns it. A failing fn is
	// retried with backoff according to the job's retry policy.
	RunTask(key string, fn TaskFunc) (json.RawMessage, error)

	// Wait pauses the run for d. The deadline is recorded on first call;
	// the run is resumed once it has passed.
	Wait(key string, d time.Duration) error

	// WaitForSignal pauses the run until a signal named key is delivered or
	// timeout elapses. A zero timeout waits indefinitely. received is false
	// when the wait timed out.
	WaitForSignal(key string, timeout time.Duration) (payload json.RawMessage, received bool, err error)

	// TriggerJob delivers evt through the dispatcher exactly once and
	// returns the IDs of the runs it started. An empty evt.ID is derived
	// from the run ID and key so redelivery deduplicates.
	TriggerJob(key string, evt event.Event) ([]id.RunID, error)
}

// Task is the typed form of IO.RunTask: it decodes the recorded result
// into T.
func Task[T any](io IO, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := io.RunTask(key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if len(raw) == 0 {
		return zero, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode result of task %q: %w", key, err)
	}
	return out, nil
}

// Schema validates a trigger payload before a run is created.
type Schema interface {
	Validate(payload []byte) error
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(payload []byte) error

// Validate calls f(payload).
func (f SchemaFunc) Validate(payload []byte) error { return f(payload) }
