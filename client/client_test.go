package client_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/api"
	"github.com/xraph/durable/auth"
	"github.com/xraph/durable/client"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/job"
	"github.com/xraph/durable/run"
	"github.com/xraph/durable/schema"
	"github.com/xraph/durable/store/memory"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type signup struct {
	Email string `json:"email" validate:"required,email"`
}

// setupClientTest starts an engine with one approval job behind an
// httptest server and returns a client authenticated as admin.
func setupClientTest(t *testing.T) (*client.Client, string) {
	t.Helper()

	d, err := durable.New(
		durable.WithStore(memory.New()),
		durable.WithConcurrency(2),
		durable.WithPollInterval(10*time.Millisecond),
		durable.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("durable.New: %v", err)
	}
	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	err = engine.Define(eng, job.NewDefinition("approve-signup", "user.signup",
		func(io job.IO, p signup) (any, error) {
			greeting, err := job.Task(io, "compose", func(context.Context) (string, error) {
				return "welcome " + p.Email, nil
			})
			if err != nil {
				return nil, err
			}
			decision, ok, err := io.WaitForSignal("approve", 0)
			if err != nil {
				return nil, err
			}
			return map[string]any{"greeting": greeting, "approved": ok, "decision": decision}, nil
		},
		job.WithSchema(schema.Struct[signup]()),
	))
	if err != nil {
		t.Fatalf("Define: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	keys := auth.NewAPIKeyAuthenticator(auth.APIKeyEntry{
		Token:    "test-token",
		Identity: auth.Identity{Subject: "test-user", Scopes: []string{auth.ScopeAll}},
	})
	ts := httptest.NewServer(api.New(eng, api.WithAuthenticator(keys), api.WithLogger(testLogger())).Handler())
	t.Cleanup(ts.Close)

	return client.New(ts.URL, client.WithToken("test-token"), client.WithLogger(testLogger())), ts.URL
}

func waitForState(t *testing.T, c *client.Client, runID string, want run.State) *run.Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r, err := c.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.State == want {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach state %s", runID, want)
	return nil
}

// ── Tests ─────────────────────────────────────────────

func TestClientDeliverEventAndSignal(t *testing.T) {
	c, _ := setupClientTest(t)
	ctx := context.Background()

	resp, err := c.DeliverEvent(ctx, "user.signup", signup{Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].JobID != "approve-signup" {
		t.Fatalf("runs = %+v", resp.Runs)
	}
	runID := resp.Runs[0].RunID.String()

	waitForState(t, c, runID, run.StateWaiting)

	if err := c.Signal(ctx, runID, "approve", map[string]string{"by": "grace"}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	r := waitForState(t, c, runID, run.StateCompleted)

	var out struct {
		Greeting string            `json:"greeting"`
		Approved bool              `json:"approved"`
		Decision map[string]string `json:"decision"`
	}
	if err := json.Unmarshal(r.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Greeting != "welcome ada@example.com" || !out.Approved || out.Decision["by"] != "grace" {
		t.Errorf("output = %+v", out)
	}

	tasks, err := c.Tasks(ctx, runID)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) == 0 {
		t.Error("expected journal entries")
	}

	if err := c.Signal(ctx, runID, "approve", nil); client.StatusCode(err) != http.StatusConflict {
		t.Errorf("second signal: expected 409, got %v", err)
	}
}

func TestClientRedeliveryWithEventID(t *testing.T) {
	c, _ := setupClientTest(t)
	ctx := context.Background()

	first, err := c.DeliverEvent(ctx, "user.signup", signup{Email: "a@example.com"}, client.WithEventID("evt-42"))
	if err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}
	second, err := c.DeliverEvent(ctx, "user.signup", signup{Email: "a@example.com"}, client.WithEventID("evt-42"))
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if second.EventID != "evt-42" || !second.Runs[0].Existing {
		t.Errorf("second delivery = %+v", second)
	}
	if first.Runs[0].RunID.String() != second.Runs[0].RunID.String() {
		t.Error("redelivery started a new run")
	}
}

func TestClientSchemaRejection(t *testing.T) {
	c, _ := setupClientTest(t)

	resp, err := c.DeliverEvent(context.Background(), "user.signup", signup{Email: "not-an-email"})
	if client.StatusCode(err) != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
	if resp == nil || len(resp.Rejected) != 1 || resp.Rejected[0].JobID != "approve-signup" {
		t.Errorf("rejections = %+v", resp)
	}
}

func TestClientCancelAndList(t *testing.T) {
	c, _ := setupClientTest(t)
	ctx := context.Background()

	resp, err := c.DeliverEvent(ctx, "user.signup", signup{Email: "b@example.com"})
	if err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}
	runID := resp.Runs[0].RunID.String()
	waitForState(t, c, runID, run.StateWaiting)

	if err := c.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	r := waitForState(t, c, runID, run.StateFailed)
	if r.FailureKind != run.FailureCancelled {
		t.Errorf("failure kind = %s, want cancelled", r.FailureKind)
	}

	runs, err := c.ListRuns(ctx, run.ListOpts{JobID: "approve-signup", State: run.StateFailed, Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("runs = %d, want 1", len(runs))
	}

	jobs, err := c.Jobs(ctx)
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].TriggerName != "user.signup" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestClientErrors(t *testing.T) {
	c, _ := setupClientTest(t)
	ctx := context.Background()

	if _, err := c.GetRun(ctx, "not-a-run-id"); client.StatusCode(err) != http.StatusBadRequest {
		t.Errorf("malformed id: expected 400, got %v", err)
	}
	if _, err := c.DeliverEvent(ctx, "nobody.listens", map[string]int{}); client.StatusCode(err) != http.StatusNotFound {
		t.Errorf("unknown trigger: expected 404, got %v", err)
	}
}

func TestClientUnauthorized(t *testing.T) {
	_, url := setupClientTest(t)
	anon := client.New(url, client.WithLogger(testLogger()))

	_, err := anon.Jobs(context.Background())
	if client.StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestClientRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"j","name":"j","version":"1","trigger":"t"}]`))
	}))
	defer ts.Close()

	c := client.New(ts.URL, client.WithRetry(3, time.Millisecond), client.WithLogger(testLogger()))
	jobs, err := c.Jobs(context.Background())
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(jobs) != 1 || calls.Load() != 3 {
		t.Errorf("jobs=%d calls=%d", len(jobs), calls.Load())
	}

	calls.Store(0)
	noRetry := client.New(ts.URL, client.WithLogger(testLogger()))
	if _, err := noRetry.Jobs(context.Background()); client.StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without retries, got %v", err)
	}
}
