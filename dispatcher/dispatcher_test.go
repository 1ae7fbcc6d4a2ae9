package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/xraph/durable"
	"github.com/xraph/durable/dispatcher"
	"github.com/xraph/durable/event"
	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/job"
	"github.com/xraph/durable/run"
	"github.com/xraph/durable/scheduler"
	"github.com/xraph/durable/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type order struct {
	Amount int `json:"amount"`
}

func noop(_ job.IO, _ order) (any, error) { return nil, nil }

// positive rejects non-positive amounts.
var positive = job.SchemaFunc(func(payload []byte) error {
	var o order
	if err := json.Unmarshal(payload, &o); err != nil {
		return err
	}
	if o.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", o.Amount)
	}
	return nil
})

func setup(t *testing.T) (*job.Registry, *memory.Store, *dispatcher.Dispatcher) {
	t.Helper()
	reg := job.NewRegistry()
	store := memory.New()
	sched := scheduler.New(reg, store, store, ext.NewRegistry(testLogger()), testLogger())
	return reg, store, dispatcher.New(reg, sched, testLogger())
}

func register(t *testing.T, reg *job.Registry, jobID, trigger string, opts ...job.Option) {
	t.Helper()
	if err := job.RegisterDefinition(reg, job.NewDefinition(jobID, trigger, noop, opts...)); err != nil {
		t.Fatalf("register %s: %v", jobID, err)
	}
}

func TestDispatch_FansOutInRegistrationOrder(t *testing.T) {
	reg, store, d := setup(t)
	register(t, reg, "charge", "order.placed")
	register(t, reg, "email", "order.placed")
	register(t, reg, "audit", "order.placed")
	register(t, reg, "other", "user.created")

	handles, err := d.Dispatch(context.Background(), event.Event{Name: "order.placed", Payload: json.RawMessage(`{"amount":5}`)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"charge", "email", "audit"}
	if len(handles) != len(want) {
		t.Fatalf("handles = %d, want %d", len(handles), len(want))
	}
	for i, h := range handles {
		if h.JobID != want[i] {
			t.Errorf("handle[%d].JobID = %q, want %q", i, h.JobID, want[i])
		}
		r, err := store.GetRun(context.Background(), h.RunID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.State != run.StatePending || r.EventName != "order.placed" {
			t.Errorf("run %s: state=%s event=%s", r.ID, r.State, r.EventName)
		}
		if r.EventID == "" {
			t.Error("expected dispatcher to assign an event id")
		}
	}
}

func TestDispatch_SchemaFailureIsolatedPerJob(t *testing.T) {
	reg, _, d := setup(t)
	register(t, reg, "strict", "order.placed", job.WithSchema(positive))
	register(t, reg, "lenient", "order.placed")

	handles, err := d.Dispatch(context.Background(), event.Event{Name: "order.placed", Payload: json.RawMessage(`{"amount":0}`)})
	if len(handles) != 1 || handles[0].JobID != "lenient" {
		t.Fatalf("handles = %+v, want only lenient", handles)
	}

	var sve *durable.SchemaValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("expected SchemaValidationError, got %v", err)
	}
	if sve.JobID != "strict" {
		t.Errorf("JobID = %q, want strict", sve.JobID)
	}
	if !errors.Is(err, durable.ErrSchemaValidationFailure) {
		t.Error("expected errors.Is(ErrSchemaValidationFailure)")
	}
}

func TestDispatch_AllRejected(t *testing.T) {
	reg, store, d := setup(t)
	register(t, reg, "a", "order.placed", job.WithSchema(positive))
	register(t, reg, "b", "order.placed", job.WithSchema(positive))

	handles, err := d.Dispatch(context.Background(), event.Event{Name: "order.placed", Payload: json.RawMessage(`{"amount":-1}`)})
	if len(handles) != 0 {
		t.Fatalf("handles = %+v, want none", handles)
	}
	if !errors.Is(err, durable.ErrSchemaValidationFailure) {
		t.Fatalf("err = %v", err)
	}

	runs, _ := store.ListRuns(context.Background(), run.ListOpts{}) //nolint:errcheck // memory store
	if len(runs) != 0 {
		t.Errorf("runs = %d, rejected payloads must not create runs", len(runs))
	}
}

func TestDispatch_UnknownTrigger(t *testing.T) {
	_, _, d := setup(t)

	_, err := d.Dispatch(context.Background(), event.Event{Name: "nobody.listens"})
	if !errors.Is(err, durable.ErrUnknownTrigger) {
		t.Fatalf("err = %v, want ErrUnknownTrigger", err)
	}
}

func TestDispatch_InvalidEvent(t *testing.T) {
	_, _, d := setup(t)

	tests := []event.Event{
		{Name: ""},
		{Name: "x", Payload: json.RawMessage(`{broken`)},
	}
	for _, e := range tests {
		if _, err := d.Dispatch(context.Background(), e); !errors.Is(err, durable.ErrInvalidEvent) {
			t.Errorf("Dispatch(%+v) = %v, want ErrInvalidEvent", e, err)
		}
	}
}

func TestDispatch_RedeliveryDeduplicated(t *testing.T) {
	reg, store, d := setup(t)
	register(t, reg, "a", "order.placed")
	register(t, reg, "b", "order.placed")

	e := event.Event{ID: "evt-42", Name: "order.placed", Payload: json.RawMessage(`{"amount":1}`)}
	first, err := d.Dispatch(context.Background(), e)
	if err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	second, err := d.Dispatch(context.Background(), e)
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}

	for i := range first {
		if !second[i].Existing || second[i].RunID.String() != first[i].RunID.String() {
			t.Errorf("redelivery[%d] = %+v, want existing %s", i, second[i], first[i].RunID)
		}
	}
	runs, _ := store.ListRuns(context.Background(), run.ListOpts{}) //nolint:errcheck // memory store
	if len(runs) != 2 {
		t.Errorf("runs = %d, want 2", len(runs))
	}
}

// failingCreator fails for one job ID.
type failingCreator struct {
	mu      sync.Mutex
	failFor string
	created []string
}

func (c *failingCreator) Create(_ context.Context, desc *job.Descriptor, _ event.Event) (run.Handle, error) {
	if desc.ID == c.failFor {
		return run.Handle{}, errors.New("store unavailable")
	}
	c.mu.Lock()
	c.created = append(c.created, desc.ID)
	c.mu.Unlock()
	return run.Handle{JobID: desc.ID}, nil
}

func TestDispatch_CreateFailureIsolated(t *testing.T) {
	reg := job.NewRegistry()
	register(t, reg, "a", "go")
	register(t, reg, "b", "go")
	c := &failingCreator{failFor: "a"}
	d := dispatcher.New(reg, c, testLogger(), dispatcher.WithFanOutLimit(1))

	handles, err := d.Dispatch(context.Background(), event.Event{Name: "go"})
	if err == nil {
		t.Fatal("expected error for job a")
	}
	if len(handles) != 1 || handles[0].JobID != "b" {
		t.Fatalf("handles = %+v, want only b", handles)
	}
}
