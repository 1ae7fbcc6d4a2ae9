package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/event"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/job"
	"github.com/xraph/durable/run"
	"github.com/xraph/durable/schema"
	"github.com/xraph/durable/store/memory"
)

// ──────────────────────────────────────────────────
// Test payloads
// ──────────────────────────────────────────────────

type pingPayload struct {
	N float64 `json:"n"`
}

type orderPayload struct {
	OrderID string `json:"order_id"`
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, s *memory.Store, opts ...engine.Option) *engine.Engine {
	t.Helper()
	rt, err := durable.New(
		durable.WithStore(s),
		durable.WithConcurrency(4),
		durable.WithPollInterval(10*time.Millisecond),
		durable.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("durable.New: %v", err)
	}
	opts = append([]engine.Option{
		engine.WithBackoff(backoff.NewConstant(10 * time.Millisecond)),
		engine.WithMeterProvider(sdkmetric.NewMeterProvider()),
	}, opts...)
	eng, err := engine.Build(rt, opts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng
}

func start(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx) //nolint:errcheck // best-effort cleanup
	})
}

func define[T any](t *testing.T, eng *engine.Engine, def *job.Definition[T]) {
	t.Helper()
	if err := engine.Define(eng, def); err != nil {
		t.Fatalf("Define(%s): %v", def.ID, err)
	}
}

func waitForState(t *testing.T, eng *engine.Engine, runID id.RunID, want run.State) *run.Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r, err := eng.Run(context.Background(), runID)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if r.State == want {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := eng.Run(context.Background(), runID) //nolint:errcheck // reporting only
	t.Fatalf("run %s: state = %s, want %s (error %q)", runID, r.State, want, r.Error)
	return nil
}

// ──────────────────────────────────────────────────
// End-to-end: Define → Trigger → Complete
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd_TriggerCompletes(t *testing.T) {
	eng := newEngine(t, memory.New())
	define(t, eng, job.NewDefinition("ping-job", "ping",
		func(io job.IO, p pingPayload) (any, error) {
			doubled, err := job.Task(io, "double", func(context.Context) (float64, error) {
				return p.N * 2, nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]float64{"doubled": doubled}, nil
		},
		job.WithSchema(schema.MustCUE(`n: number`)),
	))
	start(t, eng)

	handles, err := engine.Trigger(context.Background(), eng, "ping", pingPayload{N: 1})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("handles = %d, want 1", len(handles))
	}

	r := waitForState(t, eng, handles[0].RunID, run.StateCompleted)
	var out map[string]float64
	if err := json.Unmarshal(r.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out["doubled"] != 2 {
		t.Errorf("output = %v, want doubled=2", out)
	}

	tasks, err := eng.Tasks(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Key != "double" || tasks[0].Seq != 0 {
		t.Errorf("journal = %+v, want one entry for double at seq 0", tasks)
	}
}

func TestEngine_FanOutToEveryMatchingJob(t *testing.T) {
	eng := newEngine(t, memory.New())
	handler := func(_ job.IO, p orderPayload) (any, error) { return p.OrderID, nil }
	define(t, eng, job.NewDefinition("send-receipt", "order.created", handler))
	define(t, eng, job.NewDefinition("reserve-stock", "order.created", handler))
	define(t, eng, job.NewDefinition("unrelated", "order.shipped", handler))
	start(t, eng)

	handles, err := engine.Trigger(context.Background(), eng, "order.created", orderPayload{OrderID: "o-1"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("handles = %d, want 2", len(handles))
	}
	if handles[0].JobID != "send-receipt" || handles[1].JobID != "reserve-stock" {
		t.Errorf("handles = %+v, want registration order", handles)
	}
	for _, h := range handles {
		r := waitForState(t, eng, h.RunID, run.StateCompleted)
		if string(r.Output) != `"o-1"` {
			t.Errorf("run %s output = %s", h.JobID, r.Output)
		}
	}
}

func TestEngine_SchemaRejectionIsolatedPerJob(t *testing.T) {
	eng := newEngine(t, memory.New())
	noop := func(job.IO, json.RawMessage) (any, error) { return nil, nil }
	define(t, eng, job.NewDefinition("strict", "ping", noop, job.WithSchema(schema.MustCUE(`n: string`))))
	define(t, eng, job.NewDefinition("lenient", "ping", noop))

	handles, err := engine.Trigger(context.Background(), eng, "ping", pingPayload{N: 1})
	if len(handles) != 1 || handles[0].JobID != "lenient" {
		t.Fatalf("handles = %+v, want only lenient", handles)
	}
	var sve *durable.SchemaValidationError
	if !errors.As(err, &sve) || sve.JobID != "strict" {
		t.Fatalf("err = %v, want SchemaValidationError for strict", err)
	}

	runs, err := eng.Runs(context.Background(), run.ListOpts{JobID: "strict"})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("strict runs = %d, want 0", len(runs))
	}
}

func TestEngine_UnknownTrigger(t *testing.T) {
	eng := newEngine(t, memory.New())
	_, err := engine.Trigger(context.Background(), eng, "nobody.listens", struct{}{})
	if !errors.Is(err, durable.ErrUnknownTrigger) {
		t.Fatalf("err = %v, want ErrUnknownTrigger", err)
	}
}

func TestEngine_RedeliveredEventReturnsExistingRun(t *testing.T) {
	eng := newEngine(t, memory.New())
	define(t, eng, job.NewDefinition("ping-job", "ping", func(job.IO, pingPayload) (any, error) { return nil, nil }))

	evt, err := event.New("ping", pingPayload{N: 3})
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	evt.ID = "evt-fixed"

	first, err := eng.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	second, err := eng.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	if !second[0].Existing || second[0].RunID.String() != first[0].RunID.String() {
		t.Errorf("second = %+v, want existing %s", second[0], first[0].RunID)
	}
}

// ──────────────────────────────────────────────────
// Crash recovery
// ──────────────────────────────────────────────────

// strandRun simulates a process that died while executing r: the run is
// left running with an expired lease and, when journaled is true, the
// first task's result already recorded.
func strandRun(t *testing.T, s *memory.Store, runID id.RunID, journaled bool) {
	t.Helper()
	ctx := context.Background()
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	r.State = run.StateRunning
	r.StartedAt = &past
	r.LeaseOwner = id.NewWorkerID()
	r.LeaseUntil = &past
	r.WakeAt = nil
	if journaled {
		if err := s.PutTask(ctx, &cache.Entry{
			RunID:       runID,
			Key:         "send-email",
			Seq:         0,
			Kind:        cache.KindTask,
			Result:      json.RawMessage(`"msg-1"`),
			CompletedAt: past,
		}); err != nil {
			t.Fatalf("PutTask: %v", err)
		}
		r.Cursor = 1
	}
	if err := s.UpdateRun(ctx, r, id.Nil); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
}

func TestEngine_ResumesStrandedRunFromJournal(t *testing.T) {
	tests := []struct {
		name      string
		journaled bool
		wantCalls int32
	}{
		{name: "task already recorded", journaled: true, wantCalls: 0},
		{name: "task not yet recorded", journaled: false, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			eng := newEngine(t, s)

			var calls atomic.Int32
			define(t, eng, job.NewDefinition("welcome", "user.signed_up",
				func(io job.IO, _ json.RawMessage) (any, error) {
					return job.Task(io, "send-email", func(context.Context) (string, error) {
						calls.Add(1)
						return "msg-1", nil
					})
				}))

			handles, err := engine.Trigger(context.Background(), eng, "user.signed_up", map[string]string{"user": "u1"})
			if err != nil {
				t.Fatalf("Trigger: %v", err)
			}
			strandRun(t, s, handles[0].RunID, tt.journaled)

			start(t, eng)
			r := waitForState(t, eng, handles[0].RunID, run.StateCompleted)

			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("send-email executed %d times, want %d", got, tt.wantCalls)
			}
			if string(r.Output) != `"msg-1"` {
				t.Errorf("output = %s", r.Output)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Waits, signals and cancellation
// ──────────────────────────────────────────────────

func TestEngine_WaitResumesAfterDuration(t *testing.T) {
	eng := newEngine(t, memory.New())
	const pause = 100 * time.Millisecond

	var executions atomic.Int32
	define(t, eng, job.NewDefinition("reminder", "remind",
		func(io job.IO, _ json.RawMessage) (any, error) {
			executions.Add(1)
			if err := io.Wait("pause", pause); err != nil {
				return nil, err
			}
			return "done", nil
		}))
	start(t, eng)

	begin := time.Now()
	handles, err := engine.Trigger[any](context.Background(), eng, "remind", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	r := waitForState(t, eng, handles[0].RunID, run.StateCompleted)

	if elapsed := r.CompletedAt.Sub(begin); elapsed < pause {
		t.Errorf("completed after %v, want at least %v", elapsed, pause)
	}
	if got := executions.Load(); got != 2 {
		t.Errorf("executions = %d, want 2 (suspend + resume)", got)
	}
}

func TestEngine_SignalResumesWaitingRun(t *testing.T) {
	eng := newEngine(t, memory.New())
	define(t, eng, job.NewDefinition("approval", "expense.submitted",
		func(io job.IO, _ json.RawMessage) (any, error) {
			payload, received, err := io.WaitForSignal("approved", 0)
			if err != nil {
				return nil, err
			}
			return map[string]any{"received": received, "payload": payload}, nil
		}))
	start(t, eng)

	handles, err := engine.Trigger(context.Background(), eng, "expense.submitted", map[string]int{"amount": 10})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	runID := handles[0].RunID
	waitForState(t, eng, runID, run.StateWaiting)

	if err := eng.Signal(context.Background(), runID, "approved", json.RawMessage(`{"by":"alice"}`)); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	r := waitForState(t, eng, runID, run.StateCompleted)

	var out struct {
		Received bool              `json:"received"`
		Payload  map[string]string `json:"payload"`
	}
	if err := json.Unmarshal(r.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !out.Received || out.Payload["by"] != "alice" {
		t.Errorf("output = %s", r.Output)
	}

	err = eng.Signal(context.Background(), runID, "approved", nil)
	if !errors.Is(err, durable.ErrRunFinished) {
		t.Errorf("signal after completion: err = %v, want ErrRunFinished", err)
	}
}

func TestEngine_CancelWaitingRun(t *testing.T) {
	eng := newEngine(t, memory.New())
	var after atomic.Bool
	define(t, eng, job.NewDefinition("slow", "slow",
		func(io job.IO, _ json.RawMessage) (any, error) {
			if err := io.Wait("nap", time.Hour); err != nil {
				return nil, err
			}
			after.Store(true)
			return nil, nil
		}))
	start(t, eng)

	handles, err := engine.Trigger[any](context.Background(), eng, "slow", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	runID := handles[0].RunID
	waitForState(t, eng, runID, run.StateWaiting)

	if err := eng.Cancel(context.Background(), runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	r := waitForState(t, eng, runID, run.StateFailed)
	if r.FailureKind != run.FailureCancelled {
		t.Errorf("failure kind = %s, want cancelled", r.FailureKind)
	}
	if after.Load() {
		t.Error("handler continued past the wait after cancellation")
	}

	if err := eng.Cancel(context.Background(), runID); !errors.Is(err, durable.ErrRunFinished) {
		t.Errorf("second Cancel: err = %v, want ErrRunFinished", err)
	}
}

func TestEngine_TaskRetriedUntilSuccess(t *testing.T) {
	eng := newEngine(t, memory.New())
	var attempts atomic.Int32
	define(t, eng, job.NewDefinition("flaky", "flaky",
		func(io job.IO, _ json.RawMessage) (any, error) {
			return job.Task(io, "call-api", func(context.Context) (int32, error) {
				n := attempts.Add(1)
				if n < 3 {
					return 0, errors.New("upstream unavailable")
				}
				return n, nil
			})
		}, job.WithRetry(5, backoff.NewConstant(5*time.Millisecond))))
	start(t, eng)

	handles, err := engine.Trigger[any](context.Background(), eng, "flaky", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	r := waitForState(t, eng, handles[0].RunID, run.StateCompleted)
	if string(r.Output) != "3" {
		t.Errorf("output = %s, want 3", r.Output)
	}
	if r.Attempt != 0 {
		t.Errorf("attempt = %d, want reset to 0", r.Attempt)
	}
}

func TestEngine_JobTimeoutFailsRun(t *testing.T) {
	eng := newEngine(t, memory.New())
	define(t, eng, job.NewDefinition("stuck", "stuck",
		func(io job.IO, _ json.RawMessage) (any, error) {
			return io.RunTask("hang", func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
		}, job.WithTimeout(50*time.Millisecond)))
	start(t, eng)

	handles, err := engine.Trigger[any](context.Background(), eng, "stuck", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	r := waitForState(t, eng, handles[0].RunID, run.StateFailed)
	if r.FailureKind != run.FailureTimeout {
		t.Errorf("failure kind = %q, want timeout", r.FailureKind)
	}
	if r.Attempt != 0 {
		t.Errorf("attempt = %d, want 0", r.Attempt)
	}
}

func TestEngine_TriggerJobStartsChildRun(t *testing.T) {
	eng := newEngine(t, memory.New())

	define(t, eng, job.NewDefinition("parent", "parent.start",
		func(io job.IO, _ json.RawMessage) (any, error) {
			evt, err := event.New("child.start", orderPayload{OrderID: "o-9"})
			if err != nil {
				return nil, err
			}
			return io.TriggerJob("spawn-child", evt)
		}))
	define(t, eng, job.NewDefinition("child", "child.start",
		func(_ job.IO, p orderPayload) (any, error) { return p.OrderID, nil }))
	start(t, eng)

	handles, err := engine.Trigger[any](context.Background(), eng, "parent.start", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	parent := waitForState(t, eng, handles[0].RunID, run.StateCompleted)

	var childIDs []string
	if err := json.Unmarshal(parent.Output, &childIDs); err != nil {
		t.Fatalf("decode parent output %s: %v", parent.Output, err)
	}
	if len(childIDs) != 1 {
		t.Fatalf("child runs = %v, want 1", childIDs)
	}
	childID, err := id.ParseRunID(childIDs[0])
	if err != nil {
		t.Fatalf("ParseRunID: %v", err)
	}
	child := waitForState(t, eng, childID, run.StateCompleted)
	if string(child.Output) != `"o-9"` {
		t.Errorf("child output = %s", child.Output)
	}
	if child.EventID != parent.ID.String()+":spawn-child" {
		t.Errorf("child event id = %q", child.EventID)
	}
}

// ──────────────────────────────────────────────────
// Extensions
// ──────────────────────────────────────────────────

type lifecycleTracker struct {
	mu     sync.Mutex
	events []string
}

func (l *lifecycleTracker) Name() string { return "lifecycle-tracker" }

func (l *lifecycleTracker) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, name)
}

func (l *lifecycleTracker) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *lifecycleTracker) OnRunCreated(context.Context, *run.Run) error {
	l.record("created")
	return nil
}

func (l *lifecycleTracker) OnRunStarted(context.Context, *run.Run) error {
	l.record("started")
	return nil
}

func (l *lifecycleTracker) OnTaskCompleted(context.Context, *run.Run, string, time.Duration) error {
	l.record("task")
	return nil
}

func (l *lifecycleTracker) OnRunCompleted(context.Context, *run.Run, time.Duration) error {
	l.record("completed")
	return nil
}

func (l *lifecycleTracker) OnShutdown(context.Context) error {
	l.record("shutdown")
	return nil
}

func TestEngine_ExtensionLifecycle(t *testing.T) {
	tracker := &lifecycleTracker{}
	eng := newEngine(t, memory.New(), engine.WithExtension(tracker))
	define(t, eng, job.NewDefinition("ping-job", "ping",
		func(io job.IO, _ json.RawMessage) (any, error) {
			return io.RunTask("step", func(context.Context) (any, error) { return 1, nil })
		}))

	handles, err := engine.Trigger[any](context.Background(), eng, "ping", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	start(t, eng)
	waitForState(t, eng, handles[0].RunID, run.StateCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"created", "started", "task", "completed", "shutdown"}
	got := tracker.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// ──────────────────────────────────────────────────
// Build and lifecycle
// ──────────────────────────────────────────────────

func TestEngine_BuildWithoutStore(t *testing.T) {
	rt, err := durable.New(durable.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("durable.New: %v", err)
	}
	if _, err := engine.Build(rt); !errors.Is(err, durable.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

type lifecycleOnlyStore struct{}

func (lifecycleOnlyStore) Migrate(context.Context) error { return nil }
func (lifecycleOnlyStore) Ping(context.Context) error    { return nil }
func (lifecycleOnlyStore) Close() error                  { return nil }

func TestEngine_BuildRejectsIncompleteStore(t *testing.T) {
	rt, err := durable.New(durable.WithStore(lifecycleOnlyStore{}), durable.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("durable.New: %v", err)
	}
	if _, err := engine.Build(rt); err == nil {
		t.Fatal("expected error for a store without run persistence")
	}
}

func TestEngine_DefineConflict(t *testing.T) {
	eng := newEngine(t, memory.New())
	noop := func(job.IO, json.RawMessage) (any, error) { return nil, nil }
	define(t, eng, job.NewDefinition("dup", "a", noop))

	if err := engine.Define(eng, job.NewDefinition("dup", "a", noop)); err != nil {
		t.Errorf("identical redefinition: %v", err)
	}
	err := engine.Define(eng, job.NewDefinition("dup", "b", noop))
	if !errors.Is(err, durable.ErrDuplicateJobID) {
		t.Errorf("conflicting redefinition: err = %v, want ErrDuplicateJobID", err)
	}
	if got := len(eng.Jobs()); got != 1 {
		t.Errorf("jobs = %d, want 1", got)
	}
}

func TestEngine_GracefulShutdownReleasesInterruptedRun(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)

	entered := make(chan struct{})
	define(t, eng, job.NewDefinition("blocking", "block",
		func(io job.IO, _ json.RawMessage) (any, error) {
			return io.RunTask("wait-for-ctx", func(ctx context.Context) (any, error) {
				close(entered)
				<-ctx.Done()
				return nil, ctx.Err()
			})
		}))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	handles, err := engine.Trigger[any](context.Background(), eng, "block", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = eng.Stop(ctx) //nolint:errcheck // deadline exceeded is expected

	r, err := s.GetRun(context.Background(), handles[0].RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != run.StatePending {
		t.Errorf("state = %s, want pending after interrupted shutdown", r.State)
	}
	if r.Cursor != 0 {
		t.Errorf("cursor = %d, want 0: the interrupted task must not be recorded", r.Cursor)
	}
}
