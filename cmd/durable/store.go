package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable/store"
	"github.com/xraph/durable/store/memory"
	"github.com/xraph/durable/store/postgres"
	redisstore "github.com/xraph/durable/store/redis"
	"github.com/xraph/durable/store/sqlite"
)

// redisBackedStore closes the client it was built with.
type redisBackedStore struct {
	*redisstore.Store
	client *goredis.Client
}

func (s *redisBackedStore) Close() error { return s.client.Close() }

// openStore opens and migrates the configured backend.
func openStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		s = memory.New()
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = "durable.db"
		}
		s, err = sqlite.Open(path, sqlite.WithLogger(logger))
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for postgres")
		}
		s, err = postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
	case "redis":
		addr := cfg.DSN
		if addr == "" {
			addr = "localhost:6379"
		}
		client := goredis.NewClient(&goredis.Options{Addr: addr, DB: cfg.RedisDB})
		s = &redisBackedStore{Store: redisstore.New(client, redisstore.WithLogger(logger)), client: client}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping %s store: %w", cfg.Driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Driver, err)
	}
	logger.Info("store ready", slog.String("driver", cfg.Driver))
	return s, nil
}
