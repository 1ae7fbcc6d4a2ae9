package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/id"
)

// GetTask returns the entry for (runID, key), or nil when absent.
func (s *Store) GetTask(ctx context.Context, runID id.RunID, key string) (*cache.Entry, error) {
	raw, err := s.client.HGet(ctx, tasksKey(runID.String()), key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil //nolint:nilnil // absence is not an error
		}
		return nil, fmt.Errorf("durable/redis: get task: %w", err)
	}
	return decodeEntry(raw)
}

// PutTask records a new entry.
func (s *Store) PutTask(ctx context.Context, e *cache.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("durable/redis: encode task: %w", err)
	}

	rID := e.RunID.String()
	res, err := putTaskScript.Run(ctx, s.client, []string{tasksKey(rID), stepsKey(rID)},
		e.Key, strconv.Itoa(e.Seq), string(raw),
	).Int64()
	if err != nil {
		return fmt.Errorf("durable/redis: put task: %w", err)
	}
	switch res {
	case 1:
		return durable.ErrDuplicateCacheKey
	case 2:
		return durable.ErrDuplicateStep
	}
	return nil
}

// ListTasks returns all entries for a run ordered by seq.
func (s *Store) ListTasks(ctx context.Context, runID id.RunID) ([]*cache.Entry, error) {
	vals, err := s.client.HVals(ctx, tasksKey(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list tasks: %w", err)
	}

	entries := make([]*cache.Entry, 0, len(vals))
	for _, raw := range vals {
		e, decErr := decodeEntry(raw)
		if decErr != nil {
			return nil, decErr
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Seq != entries[j].Seq {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// DeleteTasks removes all entries for a run.
func (s *Store) DeleteTasks(ctx context.Context, runID id.RunID) error {
	rID := runID.String()
	if err := s.client.Del(ctx, tasksKey(rID), stepsKey(rID)).Err(); err != nil {
		return fmt.Errorf("durable/redis: delete tasks: %w", err)
	}
	return nil
}

func decodeEntry(raw string) (*cache.Entry, error) {
	var e cache.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("durable/redis: decode task: %w", err)
	}
	return &e, nil
}
