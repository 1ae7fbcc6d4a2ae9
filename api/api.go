// Package api exposes the engine over HTTP: event delivery, signals,
// cancellation and read access to runs and jobs.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/durable/auth"
	"github.com/xraph/durable/engine"
)

// API wires the HTTP handlers together for the durable runtime.
type API struct {
	eng     *engine.Engine
	auth    auth.Authenticator
	limiter *limiter
	logger  *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithAuthenticator sets the authenticator for all /v1 routes. Without
// one every /v1 request is rejected with 401.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(api *API) { api.auth = a }
}

// WithRateLimit limits each authenticated identity to rps requests per
// second with the given burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(api *API) {
		if rps <= 0 {
			api.limiter = nil
			return
		}
		api.limiter = newLimiter(rps, burst)
	}
}

// WithLogger sets the request logger. Defaults to the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(api *API) { api.logger = l }
}

// New creates an API from an Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		auth:   auth.DenyAuthenticator{},
		logger: eng.Runtime().Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(a.logRequests)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all routes into r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticate)
		if a.limiter != nil {
			r.Use(a.rateLimit)
		}
		a.registerEventRoutes(r)
		a.registerRunRoutes(r)
		a.registerJobRoutes(r)
	})
}

// registerEventRoutes registers event delivery routes.
func (a *API) registerEventRoutes(r chi.Router) {
	r.With(requireScope(auth.ScopeEventWrite)).Post("/events", a.deliverEvent)
}

// registerRunRoutes registers run inspection and control routes.
func (a *API) registerRunRoutes(r chi.Router) {
	r.Route("/runs", func(r chi.Router) {
		r.With(requireScope(auth.ScopeRunRead)).Get("/", a.listRuns)
		r.With(requireScope(auth.ScopeRunRead)).Get("/{runID}", a.getRun)
		r.With(requireScope(auth.ScopeRunRead)).Get("/{runID}/tasks", a.listTasks)
		r.With(requireScope(auth.ScopeRunWrite)).Post("/{runID}/signals/{key}", a.signalRun)
		r.With(requireScope(auth.ScopeRunWrite)).Post("/{runID}/cancel", a.cancelRun)
	})
}

// registerJobRoutes registers job listing routes.
func (a *API) registerJobRoutes(r chi.Router) {
	r.With(requireScope(auth.ScopeJobRead)).Get("/jobs", a.listJobs)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Runtime().Store().Ping(r.Context()); err != nil {
		respondError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
