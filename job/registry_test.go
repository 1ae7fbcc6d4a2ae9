package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/durable"
	"github.com/xraph/durable/job"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

// stubIO satisfies job.IO for handlers that never call a primitive.
type stubIO struct{ job.IO }

func noop(_ job.IO, _ struct{}) (any, error) { return nil, nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := job.NewRegistry()

	var got emailPayload
	def := job.NewDefinition("send-email", "user.created", func(_ job.IO, p emailPayload) (any, error) {
		got = p
		return map[string]string{"status": "sent"}, nil
	}, job.WithVersion("2"))

	if err := job.RegisterDefinition(r, def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}

	d, ok := r.Get("send-email")
	if !ok {
		t.Fatal("expected descriptor to be registered")
	}
	if d.Name != "send-email" || d.Version != "2" || d.TriggerName != "user.created" {
		t.Errorf("descriptor = %+v", d)
	}

	payload, _ := json.Marshal(emailPayload{To: "alice@example.com", Subject: "Hello"})
	out, err := d.Handler(stubIO{}, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.To != "alice@example.com" {
		t.Errorf("To = %q, want %q", got.To, "alice@example.com")
	}
	if string(out) != `{"status":"sent"}` {
		t.Errorf("output = %s", out)
	}
}

func TestRegistry_DuplicateIDDifferentMetadata(t *testing.T) {
	r := job.NewRegistry()
	if err := job.RegisterDefinition(r, job.NewDefinition("a", "evt.one", noop)); err != nil {
		t.Fatalf("first register: %v", err)
	}

	err := job.RegisterDefinition(r, job.NewDefinition("a", "evt.two", noop))
	if !errors.Is(err, durable.ErrDuplicateJobID) {
		t.Fatalf("expected ErrDuplicateJobID, got %v", err)
	}
	if got := r.LookupByTrigger("evt.two"); len(got) != 0 {
		t.Errorf("rejected definition leaked into trigger index: %d entries", len(got))
	}
}

func TestRegistry_IdenticalReRegistrationIsNoop(t *testing.T) {
	r := job.NewRegistry()
	def := job.NewDefinition("a", "evt.one", noop, job.WithVersion("3"))
	if err := job.RegisterDefinition(r, def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := job.RegisterDefinition(r, def); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if got := r.LookupByTrigger("evt.one"); len(got) != 1 {
		t.Errorf("expected one descriptor for trigger, got %d", len(got))
	}
}

func TestRegistry_LookupByTriggerFanOut(t *testing.T) {
	r := job.NewRegistry()
	for _, jobID := range []string{"first", "second", "third"} {
		if err := job.RegisterDefinition(r, job.NewDefinition(jobID, "order.placed", noop)); err != nil {
			t.Fatalf("register %s: %v", jobID, err)
		}
	}
	if err := job.RegisterDefinition(r, job.NewDefinition("other", "order.shipped", noop)); err != nil {
		t.Fatalf("register other: %v", err)
	}

	got := r.LookupByTrigger("order.placed")
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].ID != want {
			t.Errorf("match[%d] = %q, want %q", i, got[i].ID, want)
		}
	}
	if len(r.LookupByTrigger("unknown")) != 0 {
		t.Error("expected no matches for unknown trigger")
	}
	if ids := r.IDs(); len(ids) != 4 || ids[3] != "other" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestRegistry_RejectsIncompleteDefinitions(t *testing.T) {
	r := job.NewRegistry()
	if err := job.RegisterDefinition(r, job.NewDefinition("", "x", noop)); err == nil {
		t.Error("expected error for empty id")
	}
	if err := job.RegisterDefinition(r, job.NewDefinition("x", "", noop)); err == nil {
		t.Error("expected error for empty trigger")
	}
	if err := job.RegisterDefinition[struct{}](r, job.NewDefinition[struct{}]("x", "y", nil)); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestRegistry_InvalidJSON(t *testing.T) {
	r := job.NewRegistry()
	_ = job.RegisterDefinition(r, job.NewDefinition("typed-job", "t", func(_ job.IO, _ emailPayload) (any, error) {
		t.Fatal("handler should not be called with invalid JSON")
		return nil, nil
	}))

	d, _ := r.Get("typed-job")
	if _, err := d.Handler(stubIO{}, []byte(`{invalid json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestRegistry_HandlerError(t *testing.T) {
	r := job.NewRegistry()
	want := errors.New("handler failed")
	_ = job.RegisterDefinition(r, job.NewDefinition("failing", "t", func(_ job.IO, _ struct{}) (any, error) {
		return nil, want
	}))

	d, _ := r.Get("failing")
	if _, err := d.Handler(stubIO{}, nil); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

// fakeIO records RunTask calls and serves canned results.
type fakeIO struct {
	stubIO
	results map[string]json.RawMessage
}

func (f *fakeIO) RunTask(key string, fn job.TaskFunc) (json.RawMessage, error) {
	if raw, ok := f.results[key]; ok {
		return raw, nil
	}
	v, err := fn(context.Background())
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(v)
	f.results[key] = raw
	return raw, nil
}

func TestTask_DecodesTypedResult(t *testing.T) {
	io := &fakeIO{results: map[string]json.RawMessage{}}

	calls := 0
	fn := func(_ context.Context) (emailPayload, error) {
		calls++
		return emailPayload{To: "bob@example.com"}, nil
	}

	first, err := job.Task(io, "lookup", fn)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	second, err := job.Task(io, "lookup", fn)
	if err != nil {
		t.Fatalf("Task (cached): %v", err)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
	if first.To != "bob@example.com" || second.To != first.To {
		t.Errorf("results = %+v, %+v", first, second)
	}
}
