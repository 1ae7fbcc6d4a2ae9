package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xraph/durable/api"
)

// EventOption configures a delivered event.
type EventOption func(*api.DeliverEventRequest)

// WithEventID sets the event ID. Redelivering the same ID returns the
// runs started the first time instead of starting new ones.
func WithEventID(id string) EventOption {
	return func(r *api.DeliverEventRequest) { r.ID = id }
}

// WithTimestamp sets the event timestamp.
func WithTimestamp(ts time.Time) EventOption {
	return func(r *api.DeliverEventRequest) { r.Timestamp = &ts }
}

// DeliverEvent sends an event named name with payload JSON-encoded. When
// every matching job rejects the payload the returned error is an
// *APIError with status 422 and the response still lists the rejections.
func (c *Client) DeliverEvent(ctx context.Context, name string, payload any, opts ...EventOption) (*api.DeliverEventResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("durable/client: marshal payload: %w", err)
	}
	req := api.DeliverEventRequest{Name: name, Payload: raw}
	for _, opt := range opts {
		opt(&req)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("durable/client: marshal event: %w", err)
	}

	var resp api.DeliverEventResponse
	err = c.do(ctx, http.MethodPost, "/v1/events", body, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			_ = json.Unmarshal(apiErr.Body, &resp) //nolint:errcheck // best effort, err already describes the failure
			return &resp, err
		}
		return nil, err
	}
	return &resp, nil
}
