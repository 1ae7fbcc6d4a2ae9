package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
)

// HandlerFunc is a type-erased handler that accepts the raw JSON payload
// and returns the JSON-encoded output. Typed definitions are converted to
// a HandlerFunc at registration time.
type HandlerFunc func(io IO, payload []byte) ([]byte, error)

// Descriptor is the registered, type-erased form of a job definition.
// It is immutable once registered.
type Descriptor struct {
	ID          string
	Name        string
	Version     string
	TriggerName string
	Schema      Schema
	Retry       backoff.Policy
	Timeout     time.Duration
	Handler     HandlerFunc
}

// sameIdentity reports whether two descriptors carry identical metadata.
func (d *Descriptor) sameIdentity(o *Descriptor) bool {
	return d.ID == o.ID && d.Name == o.Name && d.Version == o.Version && d.TriggerName == o.TriggerName
}

// Registry maps job IDs to descriptors and indexes them by trigger name.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Descriptor
	byTrigger map[string][]*Descriptor
	order     []string
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*Descriptor),
		byTrigger: make(map[string][]*Descriptor),
	}
}

// Register adds a descriptor. Registering an ID that already exists fails
// with durable.ErrDuplicateJobID unless the metadata is identical, in
// which case the call is a no-op and the first handler is kept.
func (r *Registry) Register(d *Descriptor) error {
	switch {
	case d == nil:
		return errors.New("job: nil descriptor")
	case d.ID == "":
		return errors.New("job: id is required")
	case d.TriggerName == "":
		return fmt.Errorf("job %q: trigger name is required", d.ID)
	case d.Handler == nil:
		return fmt.Errorf("job %q: handler is required", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[d.ID]; ok {
		if existing.sameIdentity(d) {
			return nil
		}
		return fmt.Errorf("%w: %q (registered as %s@%s on %q)",
			durable.ErrDuplicateJobID, d.ID, existing.Name, existing.Version, existing.TriggerName)
	}

	cp := *d
	r.byID[d.ID] = &cp
	r.byTrigger[d.TriggerName] = append(r.byTrigger[d.TriggerName], &cp)
	r.order = append(r.order, d.ID)
	return nil
}

// RegisterDefinition registers a typed job definition. The generic handler
// is wrapped in a closure that JSON-unmarshals the payload into T and
// JSON-marshals the result.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) error {
	if def == nil {
		return errors.New("job: nil definition")
	}
	var handler HandlerFunc
	if def.Handler != nil {
		handler = func(io IO, payload []byte) ([]byte, error) {
			var t T
			if len(payload) > 0 && string(payload) != "null" {
				if err := json.Unmarshal(payload, &t); err != nil {
					return nil, fmt.Errorf("unmarshal payload for job %q: %w", def.ID, err)
				}
			}
			out, err := def.Handler(io, t)
			if err != nil {
				return nil, err
			}
			if out == nil {
				return nil, nil
			}
			if raw, ok := out.(json.RawMessage); ok {
				return raw, nil
			}
			data, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("marshal output of job %q: %w", def.ID, err)
			}
			return data, nil
		}
	}

	return r.Register(&Descriptor{
		ID:          def.ID,
		Name:        def.Opts.Name,
		Version:     def.Opts.Version,
		TriggerName: def.TriggerName,
		Schema:      def.Opts.Schema,
		Retry:       def.Opts.Retry,
		Timeout:     def.Opts.Timeout,
		Handler:     handler,
	})
}

// Get returns the descriptor registered under jobID.
func (r *Registry) Get(jobID string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[jobID]
	return d, ok
}

// LookupByTrigger returns every descriptor whose trigger name matches, in
// registration order. The result is empty for an unknown trigger.
func (r *Registry) LookupByTrigger(name string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matches := r.byTrigger[name]
	out := make([]*Descriptor, len(matches))
	copy(out, matches)
	return out
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.order))
	for _, jobID := range r.order {
		out = append(out, r.byID[jobID])
	}
	return out
}

// IDs returns all registered job IDs in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
