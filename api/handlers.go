package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/xraph/durable"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/event"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/run"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New()

// ──────────────────────────────────────────────────
// Request / response types
// ──────────────────────────────────────────────────

// DeliverEventRequest is the body of POST /v1/events.
type DeliverEventRequest struct {
	ID        string          `json:"id,omitempty" validate:"omitempty,max=256"`
	Name      string          `json:"name" validate:"required,max=256"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// DeliverEventResponse lists the runs an event started and the jobs that
// rejected it.
type DeliverEventResponse struct {
	EventID  string       `json:"event_id"`
	Runs     []run.Handle `json:"runs"`
	Rejected []Rejection  `json:"rejected,omitempty"`
}

// Rejection describes one job that did not accept an event.
type Rejection struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error"`
}

// ListRunsRequest holds the query parameters of GET /v1/runs.
type ListRunsRequest struct {
	JobID  string `validate:"omitempty,max=256"`
	State  string `validate:"omitempty,oneof=pending running waiting completed failed"`
	Limit  int    `validate:"gte=0,lte=500"`
	Offset int    `validate:"gte=0"`
}

// JobResponse describes a registered job.
type JobResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	TriggerName string `json:"trigger"`
	Timeout     string `json:"timeout,omitempty"`
}

// defaultLimit is applied when a list request omits limit.
const defaultLimit = 50

// ──────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────

func (a *API) deliverEvent(w http.ResponseWriter, r *http.Request) {
	var req DeliverEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	evt := event.Event{ID: req.ID, Name: req.Name, Payload: req.Payload, Timestamp: req.Timestamp}
	if evt.ID == "" {
		// Assigned here so the response can report it.
		evt.ID = id.NewEventID().String()
	}

	handles, err := a.eng.Dispatch(r.Context(), evt)
	switch {
	case errors.Is(err, durable.ErrUnknownTrigger):
		respondError(w, r, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, durable.ErrInvalidEvent):
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp := DeliverEventResponse{EventID: evt.ID, Runs: handles, Rejected: rejections(err)}
	if resp.Runs == nil {
		resp.Runs = []run.Handle{}
	}
	if len(handles) == 0 && err != nil {
		if onlySchemaRejections(err) {
			respondJSON(w, http.StatusUnprocessableEntity, resp)
			return
		}
		a.logger.Error("event delivery failed",
			slog.String("event_id", evt.ID),
			slog.String("event_name", evt.Name),
			slog.String("error", err.Error()),
		)
		respondError(w, r, http.StatusInternalServerError, "event delivery failed")
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// rejections flattens a joined dispatch error into per-job entries.
func rejections(err error) []Rejection {
	if err == nil {
		return nil
	}
	errs := unjoin(err)
	out := make([]Rejection, 0, len(errs))
	for _, e := range errs {
		rej := Rejection{Error: e.Error()}
		var sve *durable.SchemaValidationError
		if errors.As(e, &sve) {
			rej.JobID = sve.JobID
		}
		out = append(out, rej)
	}
	return out
}

// onlySchemaRejections reports whether every per-job error is a payload
// rejection. Any store failure among them makes the delivery a 500.
func onlySchemaRejections(err error) bool {
	for _, e := range unjoin(err) {
		var sve *durable.SchemaValidationError
		if !errors.As(e, &sve) {
			return false
		}
	}
	return true
}

func unjoin(err error) []error {
	if _, ok := err.(*durable.SchemaValidationError); ok {
		return []error{err}
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// ──────────────────────────────────────────────────
// Runs
// ──────────────────────────────────────────────────

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListRunsRequest{JobID: q.Get("job_id"), State: q.Get("state")}
	var err error
	if req.Limit, err = intParam(q.Get("limit"), defaultLimit); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	if req.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid offset")
		return
	}
	if err := validate.Struct(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := a.eng.Runs(r.Context(), run.ListOpts{
		JobID:  req.JobID,
		State:  run.State(req.State),
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		a.respondStoreError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*run.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	rn, err := a.eng.Run(r.Context(), runID)
	if err != nil {
		a.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rn)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	tasks, err := a.eng.Tasks(r.Context(), runID)
	if err != nil {
		a.respondStoreError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*cache.Entry{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (a *API) signalRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	err = a.eng.Signal(r.Context(), runID, chi.URLParam(r, "key"), body)
	if err != nil {
		a.respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	if err := a.eng.Cancel(r.Context(), runID); err != nil {
		a.respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func (a *API) listJobs(w http.ResponseWriter, _ *http.Request) {
	descs := a.eng.Jobs()
	out := make([]JobResponse, 0, len(descs))
	for _, d := range descs {
		jr := JobResponse{ID: d.ID, Name: d.Name, Version: d.Version, TriggerName: d.TriggerName}
		if d.Timeout > 0 {
			jr.Timeout = d.Timeout.String()
		}
		out = append(out, jr)
	}
	respondJSON(w, http.StatusOK, out)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func runIDParam(w http.ResponseWriter, r *http.Request) (id.RunID, bool) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid run ID")
		return id.Nil, false
	}
	return runID, true
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// respondStoreError maps runtime errors to HTTP statuses.
func (a *API) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, durable.ErrRunNotFound):
		respondError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, durable.ErrRunFinished),
		errors.Is(err, durable.ErrSignalAlreadyDelivered):
		respondError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, durable.ErrInvalidCacheKey),
		errors.Is(err, durable.ErrInvalidEvent):
		respondError(w, r, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}
