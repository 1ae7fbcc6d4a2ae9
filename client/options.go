package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/durable/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetry retries throttled, unavailable and unreachable requests up to
// maxRetries times, doubling the delay from baseDelay up to 30s.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = backoff.NewExponential(baseDelay, 30*time.Second)
	}
}
