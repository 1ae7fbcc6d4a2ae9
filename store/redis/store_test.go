package redis_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable/store"
	redisstore "github.com/xraph/durable/store/redis"
	"github.com/xraph/durable/store/storetest"
)

// Set DURABLE_TEST_REDIS_ADDR (e.g. localhost:6379) to run against a live
// server. The selected database is flushed before every subtest.
func openStore(t *testing.T) *redisstore.Store {
	t.Helper()
	addr := os.Getenv("DURABLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DURABLE_TEST_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("FlushDB: %v", err)
	}
	s := redisstore.New(client, redisstore.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openStore(t) })
}
