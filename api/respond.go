package api

import (
	"encoding/json"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, status, ErrorResponse{
		Error:     msg,
		RequestID: chimiddleware.GetReqID(r.Context()),
	})
}
