// Package event defines the trigger event delivered to the dispatcher.
// Events are transient: they are validated, fanned out to every job whose
// trigger name matches, and recorded on the runs they start.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/durable"
)

// Event is a named trigger carrying a JSON payload.
//
// ID identifies the delivery for deduplication: delivering the same ID to
// the same job twice never starts a second run. An empty ID is assigned
// by the dispatcher.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// New builds an Event with payload JSON-encoded.
func New(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload for event %q: %w", name, err)
	}
	return Event{Name: name, Payload: data}, nil
}

// Validate checks the structural requirements of an event.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: name is required", durable.ErrInvalidEvent)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload for %q is not valid JSON", durable.ErrInvalidEvent, e.Name)
	}
	return nil
}

// PayloadOrNull returns the payload, substituting JSON null when empty.
func (e Event) PayloadOrNull() json.RawMessage {
	if len(e.Payload) == 0 {
		return json.RawMessage("null")
	}
	return e.Payload
}
