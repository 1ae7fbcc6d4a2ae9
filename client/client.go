// Package client provides a Go client for a remote durable server over its
// HTTP API.
//
// Usage:
//
//	c := client.New("http://localhost:8080",
//	    client.WithToken("dk_..."),
//	    client.WithRetry(3, 200*time.Millisecond),
//	)
//
//	// Deliver an event and follow the runs it started.
//	resp, err := c.DeliverEvent(ctx, "user.signup", payload)
//	for _, h := range resp.Runs {
//	    r, _ := c.GetRun(ctx, h.RunID.String())
//	    fmt.Println(r.JobID, r.State)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/xraph/durable/api"
	"github.com/xraph/durable/backoff"
)

// Client talks to a durable server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	maxRetries int
	backoff    backoff.Strategy
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
		backoff: backoff.NewExponential(time.Second, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string

	// Body is the raw response body. Event delivery rejected by every job
	// (422) carries the per-job rejections here.
	Body []byte
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("durable/client: %d %s (request %s)", e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("durable/client: %d %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of err, or 0 when err is not an
// *APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// do sends a request and decodes a JSON response into out when out is
// non-nil. Throttled and unavailable responses are retried.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		retry, err := c.once(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt >= c.maxRetries {
			return lastErr
		}

		delay := c.backoff.Delay(attempt + 1)
		c.logger.Debug("durable client retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// once performs a single request. It reports whether a failure is worth
// retrying.
func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("durable/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("durable/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("durable/client: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Body: data}
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.RequestID = er.RequestID
		}
		return retryable(resp.StatusCode), apiErr
	}

	if out == nil || len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("durable/client: decode response: %w", err)
	}
	return false, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
