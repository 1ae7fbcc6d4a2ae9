package store

import (
	"context"

	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/run"
)

// Store is the aggregate persistence interface.
// A single backend implements every subsystem store.
type Store interface {
	run.Store
	cache.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
