package cron_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/cron"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/event"
	"github.com/xraph/durable/job"
	"github.com/xraph/durable/run"
	"github.com/xraph/durable/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dispatchSpy records delivered events.
type dispatchSpy struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (d *dispatchSpy) Dispatch(_ context.Context, evt event.Event) ([]run.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
	if d.err != nil {
		return nil, d.err
	}
	return []run.Handle{{JobID: "spy"}}, nil
}

func (d *dispatchSpy) delivered() []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]event.Event, len(d.events))
	copy(out, d.events)
	return out
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "@hourly", "@every 30s"} {
		if _, err := cron.ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	if _, err := cron.ParseSchedule("not a schedule"); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestAdd_Validation(t *testing.T) {
	s := cron.NewScheduler(&dispatchSpy{}, testLogger())

	if err := s.Add(cron.Entry{Name: "a", Schedule: "@hourly"}); err == nil {
		t.Error("expected error for missing event name")
	}
	if err := s.Add(cron.Entry{Name: "a", Schedule: "bogus", Event: "tick"}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := s.Add(cron.Entry{Name: "a", Schedule: "@hourly", Event: "tick", Payload: json.RawMessage("{")}); err == nil {
		t.Error("expected error for invalid payload")
	}
	if err := s.Add(cron.Entry{Name: "a", Schedule: "@hourly", Event: "tick"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(cron.Entry{Name: "a", Schedule: "@daily", Event: "tock"}); !errors.Is(err, cron.ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry, got %v", err)
	}
}

func TestTick_FiresDueEntries(t *testing.T) {
	clock := &fakeClock{now: epoch}
	spy := &dispatchSpy{}
	s := cron.NewScheduler(spy, testLogger(), cron.WithClock(clock.Now))

	if err := s.Add(cron.Entry{Name: "every-minute", Schedule: "* * * * *", Event: "tick", Payload: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	next, ok := s.Next("every-minute")
	if !ok || !next.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("Next: want %v, got %v (ok=%v)", epoch.Add(time.Minute), next, ok)
	}

	s.Tick(context.Background())
	if n := len(spy.delivered()); n != 0 {
		t.Fatalf("expected no deliveries before the first fire time, got %d", n)
	}

	clock.Set(epoch.Add(time.Minute + 10*time.Second))
	s.Tick(context.Background())

	got := spy.delivered()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	evt := got[0]
	if evt.Name != "tick" {
		t.Errorf("Name: want %q, got %q", "tick", evt.Name)
	}
	if want := cron.EventID("every-minute", epoch.Add(time.Minute)); evt.ID != want {
		t.Errorf("ID: want %q, got %q", want, evt.ID)
	}
	if evt.Timestamp == nil || !evt.Timestamp.Equal(epoch.Add(time.Minute)) {
		t.Errorf("Timestamp: want %v, got %v", epoch.Add(time.Minute), evt.Timestamp)
	}
	if string(evt.Payload) != `{"n":1}` {
		t.Errorf("Payload: want %s, got %s", `{"n":1}`, evt.Payload)
	}

	next, _ = s.Next("every-minute")
	if !next.Equal(epoch.Add(2 * time.Minute)) {
		t.Errorf("Next after fire: want %v, got %v", epoch.Add(2*time.Minute), next)
	}

	// Ticking again within the same minute fires nothing.
	s.Tick(context.Background())
	if n := len(spy.delivered()); n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
}

func TestTick_MissedTicksCollapse(t *testing.T) {
	clock := &fakeClock{now: epoch}
	spy := &dispatchSpy{}
	s := cron.NewScheduler(spy, testLogger(), cron.WithClock(clock.Now))
	if err := s.Add(cron.Entry{Name: "m", Schedule: "* * * * *", Event: "tick"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	clock.Set(epoch.Add(5*time.Minute + time.Second))
	s.Tick(context.Background())

	got := spy.delivered()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if want := cron.EventID("m", epoch.Add(5*time.Minute)); got[0].ID != want {
		t.Errorf("ID: want %q, got %q", want, got[0].ID)
	}
}

func TestTick_DispatchErrorKeepsSchedule(t *testing.T) {
	clock := &fakeClock{now: epoch}
	spy := &dispatchSpy{err: durable.ErrUnknownTrigger}
	s := cron.NewScheduler(spy, testLogger(), cron.WithClock(clock.Now))
	if err := s.Add(cron.Entry{Name: "m", Schedule: "@every 1m", Event: "nobody.listens"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	clock.Set(epoch.Add(time.Minute))
	s.Tick(context.Background())
	clock.Set(epoch.Add(2 * time.Minute))
	s.Tick(context.Background())

	if n := len(spy.delivered()); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestReplicasStartOneRunPerTick(t *testing.T) {
	store := memory.New()
	rt, err := durable.New(durable.WithStore(store), durable.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("durable.New: %v", err)
	}
	eng, err := engine.Build(rt)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	def := job.NewDefinition("nightly-report", "report.due",
		func(_ job.IO, _ json.RawMessage) (any, error) { return "ok", nil },
	)
	if err := engine.Define(eng, def); err != nil {
		t.Fatalf("Define: %v", err)
	}

	clock := &fakeClock{now: epoch}
	entry := cron.Entry{Name: "nightly", Schedule: "@every 1m", Event: "report.due"}
	var replicas []*cron.Scheduler
	for range 3 {
		s := cron.NewScheduler(eng, testLogger(), cron.WithClock(clock.Now))
		if err := s.Add(entry); err != nil {
			t.Fatalf("Add: %v", err)
		}
		replicas = append(replicas, s)
	}

	clock.Set(epoch.Add(time.Minute))
	for _, s := range replicas {
		s.Tick(context.Background())
	}

	runs, err := eng.Runs(context.Background(), run.ListOpts{JobID: "nightly-report"})
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run across replicas, got %d", len(runs))
	}
	if runs[0].EventID != cron.EventID("nightly", epoch.Add(time.Minute)) {
		t.Errorf("EventID: got %q", runs[0].EventID)
	}
}

func TestStartStop(t *testing.T) {
	spy := &dispatchSpy{}
	s := cron.NewScheduler(spy, testLogger(), cron.WithTickInterval(5*time.Millisecond))
	if err := s.Add(cron.Entry{Name: "fast", Schedule: "@every 1s", Event: "tick"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(spy.delivered()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(spy.delivered()) == 0 {
		t.Fatal("expected at least one delivery")
	}
}

func TestStop_Twice(t *testing.T) {
	s := cron.NewScheduler(&dispatchSpy{}, testLogger(), cron.WithTickInterval(5*time.Millisecond))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
