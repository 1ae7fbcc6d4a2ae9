package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/durable"
	"github.com/xraph/durable/api"
	"github.com/xraph/durable/auth"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/job"
	"github.com/xraph/durable/run"
	"github.com/xraph/durable/schema"
	"github.com/xraph/durable/store/memory"
)

type pingPayload struct {
	N float64 `json:"n" validate:"gte=0"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds an engine with two jobs. Runs are created but the
// worker pool is not started, so every run stays pending unless a test
// starts the engine.
func newTestServer(t *testing.T, opts ...api.Option) (*httptest.Server, *engine.Engine) {
	t.Helper()
	rt, err := durable.New(
		durable.WithStore(memory.New()),
		durable.WithPollInterval(10*time.Millisecond),
		durable.WithLogger(testLogger()),
	)
	require.NoError(t, err)
	eng, err := engine.Build(rt)
	require.NoError(t, err)

	require.NoError(t, engine.Define(eng, job.NewDefinition("ping-job", "ping",
		func(io job.IO, p pingPayload) (any, error) {
			payload, _, err := io.WaitForSignal("go", 0)
			if err != nil {
				return nil, err
			}
			return payload, nil
		},
		job.WithSchema(schema.Struct[pingPayload]()),
	)))
	require.NoError(t, engine.Define(eng, job.NewDefinition("cue-job", "cue",
		func(job.IO, json.RawMessage) (any, error) { return nil, nil },
		job.WithSchema(schema.MustCUE(`n: number`)),
	)))

	opts = append([]api.Option{api.WithAuthenticator(&auth.NoopAuthenticator{})}, opts...)
	srv := httptest.NewServer(api.New(eng, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, api.WithAuthenticator(auth.NewAPIKeyAuthenticator()))
	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeliverEvent(t *testing.T) {
	srv, eng := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/v1/events", "", `{"name":"ping","payload":{"n":1}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[api.DeliverEventResponse](t, resp)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "ping-job", body.Runs[0].JobID)
	assert.NotEmpty(t, body.EventID)

	r, err := eng.Run(context.Background(), body.Runs[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatePending, r.State)
	assert.Equal(t, body.EventID, r.EventID)
}

func TestDeliverEvent_Redelivery(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := `{"id":"evt-1","name":"ping","payload":{"n":1}}`

	first := decode[api.DeliverEventResponse](t, do(t, http.MethodPost, srv.URL+"/v1/events", "", payload))
	second := decode[api.DeliverEventResponse](t, do(t, http.MethodPost, srv.URL+"/v1/events", "", payload))

	require.Len(t, second.Runs, 1)
	assert.True(t, second.Runs[0].Existing)
	assert.Equal(t, first.Runs[0].RunID.String(), second.Runs[0].RunID.String())
}

func TestDeliverEvent_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "unknown trigger", body: `{"name":"nobody"}`, status: http.StatusNotFound},
		{name: "schema rejected", body: `{"name":"ping","payload":{"n":-1}}`, status: http.StatusUnprocessableEntity},
		{name: "cue schema rejected", body: `{"name":"cue","payload":{"n":"x"}}`, status: http.StatusUnprocessableEntity},
		{name: "missing name", body: `{"payload":{}}`, status: http.StatusBadRequest},
		{name: "malformed", body: `{"name":`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"name":"ping","extra":1}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+"/v1/events", "", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestDeliverEvent_RejectionDetails(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/v1/events", "", `{"name":"ping","payload":{"n":-1}}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decode[api.DeliverEventResponse](t, resp)
	assert.Empty(t, body.Runs)
	require.Len(t, body.Rejected, 1)
	assert.Equal(t, "ping-job", body.Rejected[0].JobID)
}

// brokenStore fails run creation for one job.
type brokenStore struct {
	*memory.Store
	jobID string
}

func (s *brokenStore) CreateRun(ctx context.Context, r *run.Run) error {
	if r.JobID == s.jobID {
		return errors.New("disk full")
	}
	return s.Store.CreateRun(ctx, r)
}

func TestDeliverEvent_StoreFailureAmongRejections(t *testing.T) {
	rt, err := durable.New(
		durable.WithStore(&brokenStore{Store: memory.New(), jobID: "broken-job"}),
		durable.WithLogger(testLogger()),
	)
	require.NoError(t, err)
	eng, err := engine.Build(rt)
	require.NoError(t, err)
	noop := func(job.IO, json.RawMessage) (any, error) { return nil, nil }
	require.NoError(t, engine.Define(eng, job.NewDefinition("strict-job", "mixed", noop,
		job.WithSchema(schema.MustCUE(`n: number`)),
	)))
	require.NoError(t, engine.Define(eng, job.NewDefinition("broken-job", "mixed", noop)))

	srv := httptest.NewServer(api.New(eng, api.WithAuthenticator(&auth.NoopAuthenticator{})).Handler())
	t.Cleanup(srv.Close)

	resp := do(t, http.MethodPost, srv.URL+"/v1/events", "", `{"name":"mixed","payload":{"n":"x"}}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	keys := auth.NewAPIKeyAuthenticator(
		auth.APIKeyEntry{Token: "reader", Identity: auth.Identity{Subject: "r", Scopes: []string{auth.ScopeRunRead}}},
		auth.APIKeyEntry{Token: "admin", Identity: auth.Identity{Subject: "a", Scopes: []string{auth.ScopeAll}}},
	)
	srv, _ := newTestServer(t, api.WithAuthenticator(keys))
	event := `{"name":"ping","payload":{"n":1}}`

	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodPost, srv.URL+"/v1/events", "", event).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodPost, srv.URL+"/v1/events", "wrong", event).StatusCode)
	assert.Equal(t, http.StatusForbidden, do(t, http.MethodPost, srv.URL+"/v1/events", "reader", event).StatusCode)
	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, srv.URL+"/v1/events", "admin", event).StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/v1/runs", "reader", "").StatusCode)
}

func TestAuthentication_DefaultRejects(t *testing.T) {
	rt, err := durable.New(durable.WithStore(memory.New()), durable.WithLogger(testLogger()))
	require.NoError(t, err)
	eng, err := engine.Build(rt)
	require.NoError(t, err)

	srv := httptest.NewServer(api.New(eng).Handler())
	t.Cleanup(srv.Close)

	event := `{"name":"ping","payload":{"n":1}}`
	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodPost, srv.URL+"/v1/events", "", event).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodPost, srv.URL+"/v1/events", "anything", event).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, srv.URL+"/v1/runs", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", "", "").StatusCode)
}

func TestAuthentication_JWT(t *testing.T) {
	jwtAuth, err := auth.NewJWTAuthenticator("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	token, err := jwtAuth.Sign(auth.Identity{Subject: "ci", Scopes: []string{auth.ScopeEventWrite}}, time.Hour)
	require.NoError(t, err)

	srv, _ := newTestServer(t, api.WithAuthenticator(jwtAuth))
	resp := do(t, http.MethodPost, srv.URL+"/v1/events", token, `{"name":"ping","payload":{"n":1}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, api.WithRateLimit(0.001, 2))

	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/v1/jobs", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/v1/jobs", "", "").StatusCode)
	resp := do(t, http.MethodGet, srv.URL+"/v1/jobs", "", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestRuns_GetListAndTasks(t *testing.T) {
	srv, _ := newTestServer(t)
	delivered := decode[api.DeliverEventResponse](t,
		do(t, http.MethodPost, srv.URL+"/v1/events", "", `{"name":"ping","payload":{"n":2}}`))
	runID := delivered.Runs[0].RunID.String()

	resp := do(t, http.MethodGet, srv.URL+"/v1/runs/"+runID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[run.Run](t, resp)
	assert.Equal(t, "ping-job", got.JobID)
	assert.JSONEq(t, `{"n":2}`, string(got.Payload))

	resp = do(t, http.MethodGet, srv.URL+"/v1/runs?job_id=ping-job&state=pending", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]run.Run](t, resp), 1)

	resp = do(t, http.MethodGet, srv.URL+"/v1/runs?state=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/runs/"+runID+"/tasks", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]json.RawMessage](t, resp))

	resp = do(t, http.MethodGet, srv.URL+"/v1/runs/"+id.NewRunID().String(), "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/runs/not-an-id", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignalAndCancel(t *testing.T) {
	srv, eng := newTestServer(t)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx) //nolint:errcheck // best-effort cleanup
	})

	delivered := decode[api.DeliverEventResponse](t,
		do(t, http.MethodPost, srv.URL+"/v1/events", "", `{"name":"ping","payload":{"n":1}}`))
	runID := delivered.Runs[0].RunID

	require.Eventually(t, func() bool {
		r, err := eng.Run(context.Background(), runID)
		return err == nil && r.State == run.StateWaiting
	}, 3*time.Second, 5*time.Millisecond)

	base := srv.URL + "/v1/runs/" + runID.String()
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, base+"/signals/$reserved", "", `{}`).StatusCode)
	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, base+"/signals/go", "", `{"ok":true}`).StatusCode)

	require.Eventually(t, func() bool {
		r, err := eng.Run(context.Background(), runID)
		return err == nil && r.State == run.StateCompleted
	}, 3*time.Second, 5*time.Millisecond)

	r, err := eng.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(r.Output))

	assert.Equal(t, http.StatusConflict, do(t, http.MethodPost, base+"/signals/go", "", `{}`).StatusCode)
	assert.Equal(t, http.StatusConflict, do(t, http.MethodPost, base+"/cancel", "", "").StatusCode)
}

func TestCancelPendingRun(t *testing.T) {
	srv, eng := newTestServer(t)
	delivered := decode[api.DeliverEventResponse](t,
		do(t, http.MethodPost, srv.URL+"/v1/events", "", `{"name":"ping","payload":{"n":1}}`))
	runID := delivered.Runs[0].RunID

	resp := do(t, http.MethodPost, srv.URL+"/v1/runs/"+runID.String()+"/cancel", "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	r, err := eng.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, r.CancelRequested)
}

func TestListJobs(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/v1/jobs", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	jobs := decode[[]api.JobResponse](t, resp)
	require.Len(t, jobs, 2)
	assert.Equal(t, "ping-job", jobs[0].ID)
	assert.Equal(t, "ping", jobs[0].TriggerName)
	assert.Equal(t, "cue-job", jobs[1].ID)
}
