package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/durable/id"
)

// Cache is a typed façade over a Store scoped to one run.
type Cache struct {
	store Store
	runID id.RunID
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source stamped on new entries.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// ForRun returns a Cache bound to runID.
func ForRun(s Store, runID id.RunID, opts ...Option) *Cache {
	c := &Cache{store: s, runID: runID, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode returns v as JSON. Raw messages pass through and an empty
// result encodes as null.
func Encode(v any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch val := v.(type) {
	case json.RawMessage:
		raw = val
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return raw, nil
}

// Get decodes the result stored under key into out. It reports false when
// no entry exists.
func (c *Cache) Get(ctx context.Context, key string, out any) (bool, error) {
	e, err := c.store.GetTask(ctx, c.runID, key)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	if out == nil || len(e.Result) == 0 || string(e.Result) == "null" {
		return true, nil
	}
	if err := json.Unmarshal(e.Result, out); err != nil {
		return true, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	return true, nil
}

// Put records v under key at seq with the given kind. Store errors such
// as ErrDuplicateCacheKey are returned unwrapped.
func (c *Cache) Put(ctx context.Context, key string, seq int, kind Kind, v any) (*Entry, error) {
	raw, err := Encode(v)
	if err != nil {
		return nil, fmt.Errorf("cache: encode %q: %w", key, err)
	}
	e := &Entry{
		RunID:       c.runID,
		Key:         key,
		Seq:         seq,
		Kind:        kind,
		Result:      raw,
		CompletedAt: c.now().UTC(),
	}
	if err := c.store.PutTask(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Journal returns the run's journaled entries ordered by Seq.
func (c *Cache) Journal(ctx context.Context) ([]*Entry, error) {
	all, err := c.store.ListTasks(ctx, c.runID)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, e := range all {
		if e.Journaled() {
			out = append(out, e)
		}
	}
	return out, nil
}
