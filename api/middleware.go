package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/xraph/durable/auth"
)

// authenticate validates the bearer token and stores the identity in the
// request context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if header := r.Header.Get("Authorization"); header != "" {
			scheme, value, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || value == "" {
				respondError(w, r, http.StatusUnauthorized, "invalid authorization format")
				return
			}
			token = value
		}

		id, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// requireScope rejects identities lacking scope.
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.FromContext(r.Context())
			if !ok || !id.HasScope(scope) {
				respondError(w, r, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limiter holds one token bucket per identity subject.
type limiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newLimiter(rps float64, burst int) *limiter {
	if burst <= 0 {
		burst = 1
	}
	return &limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *limiter) allow(subject string) bool {
	l.mu.Lock()
	b, ok := l.buckets[subject]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[subject] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// rateLimit enforces the per-identity request rate.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := ""
		if id, ok := auth.FromContext(r.Context()); ok {
			subject = id.Subject
		}
		if !a.limiter.allow(subject) {
			a.logger.Warn("request rate limited",
				slog.String("subject", subject),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			respondError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests logs one line per request.
func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}
