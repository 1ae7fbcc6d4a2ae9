package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/durable/event"
	"github.com/xraph/durable/run"
)

// Dispatcher delivers trigger events. engine.Engine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt event.Event) ([]run.Handle, error)
}

// Entry schedules one trigger event.
type Entry struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ErrDuplicateEntry is returned when an entry name is added twice.
var ErrDuplicateEntry = errors.New("durable/cron: duplicate entry name")

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// EventID returns the delivery ID used when name fires at at.
func EventID(name string, at time.Time) string {
	return "cron:" + name + ":" + at.UTC().Format(time.RFC3339)
}

type scheduled struct {
	Entry
	sched cronlib.Schedule
	next  time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler dispatches entries when they come due.
type Scheduler struct {
	dispatcher   Dispatcher
	logger       *slog.Logger
	tickInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries []*scheduled

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler that delivers through d.
func NewScheduler(d Dispatcher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		dispatcher:   d,
		logger:       logger,
		tickInterval: time.Second,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers e. Its first fire time is the next match after now.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" || e.Event == "" {
		return fmt.Errorf("durable/cron: entry requires a name and an event")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("durable/cron: entry %q payload is not valid JSON", e.Name)
	}
	sched, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("durable/cron: entry %q: parse schedule %q: %w", e.Name, e.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.Name == e.Name {
			return fmt.Errorf("%w: %q", ErrDuplicateEntry, e.Name)
		}
	}
	s.entries = append(s.entries, &scheduled{Entry: e, sched: sched, next: sched.Next(s.now())})
	return nil
}

// Next returns the next fire time of the named entry.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Name == name {
			return e.next, true
		}
	}
	return time.Time{}, false
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("cron scheduler started",
		slog.Int("entries", n),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop stops the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every entry due at the current time. Missed ticks collapse
// into one delivery for the latest due time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []scheduled
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		fireAt := e.next
		for n := e.sched.Next(fireAt); !n.After(now); n = e.sched.Next(n) {
			fireAt = n
		}
		due = append(due, scheduled{Entry: e.Entry, next: fireAt})
		e.next = e.sched.Next(now)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e.Entry, e.next)
	}
}

func (s *Scheduler) fire(ctx context.Context, e Entry, at time.Time) {
	ts := at.UTC()
	evt := event.Event{
		ID:        EventID(e.Name, at),
		Name:      e.Event,
		Payload:   e.Payload,
		Timestamp: &ts,
	}
	handles, err := s.dispatcher.Dispatch(ctx, evt)
	if err != nil {
		s.logger.Error("cron dispatch failed",
			slog.String("cron_name", e.Name),
			slog.String("event_name", e.Event),
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
	}
	if len(handles) == 0 {
		return
	}
	s.logger.Info("cron fired",
		slog.String("cron_name", e.Name),
		slog.String("event_name", e.Event),
		slog.String("event_id", evt.ID),
		slog.Int("runs", len(handles)),
	)
}
