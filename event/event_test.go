package event_test

import (
	"errors"
	"testing"

	"github.com/xraph/durable"
	"github.com/xraph/durable/event"
)

func TestNew_EncodesPayload(t *testing.T) {
	evt, err := event.New("user.created", map[string]string{"email": "a@b.c"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if string(evt.Payload) != `{"email":"a@b.c"}` {
		t.Errorf("payload = %s", evt.Payload)
	}
	if err := evt.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		evt  event.Event
		ok   bool
	}{
		{"empty name", event.Event{Name: " "}, false},
		{"bad json", event.Event{Name: "x", Payload: []byte("{")}, false},
		{"no payload", event.Event{Name: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.evt.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, durable.ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestPayloadOrNull(t *testing.T) {
	if got := string((event.Event{Name: "x"}).PayloadOrNull()); got != "null" {
		t.Errorf("got %q, want null", got)
	}
}
