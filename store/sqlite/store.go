package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/run"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationsTable records applied schema versions, apart from goose's
// default table.
const migrationsTable = "durable_schema_migrations"

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ run.Store   = (*Store)(nil)
	_ cache.Store = (*Store)(nil)
)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if needed) the database file at path. Use
// ":memory:" for a private in-memory database. The returned Store owns the
// connection and closes it on Close.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("durable/sqlite: open %s: %w", path, err)
	}

	// One connection: SQLite serializes writers anyway, and a private
	// ":memory:" database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("durable/sqlite: ping %s: %w", path, err)
	}
	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := New(db, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing *sql.DB opened with the "sqlite3" driver. The
// caller owns the db lifecycle; Close does not close it.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("durable/sqlite: %s: %w", p, err)
		}
	}
	return nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate applies pending embedded migrations with goose.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("durable/sqlite: migrations: %w", err)
	}
	versions, err := database.NewStore(database.DialectSQLite3, migrationsTable)
	if err != nil {
		return fmt.Errorf("durable/sqlite: migration store: %w", err)
	}
	provider, err := goose.NewProvider("", s.db, fsys, goose.WithStore(versions))
	if err != nil {
		return fmt.Errorf("durable/sqlite: migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("durable/sqlite: migrate: %w", err)
	}
	for _, res := range results {
		s.logger.Info("applied migration",
			slog.String("file", path.Base(res.Source.Path)),
			slog.Int64("version", res.Source.Version),
		)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database when the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// constraintCode returns the extended SQLite constraint code of err.
func constraintCode(err error) (sqlite3.ErrNoExtended, bool) {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return se.ExtendedCode, true
	}
	return 0, false
}

// isDuplicateKey reports whether err is a primary key or unique violation.
func isDuplicateKey(err error) bool {
	code, ok := constraintCode(err)
	return ok && (code == sqlite3.ErrConstraintPrimaryKey || code == sqlite3.ErrConstraintUnique)
}

// toNanos converts an optional time to a nullable Unix nanosecond value.
func toNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

// fromNanos converts a nullable Unix nanosecond column to an optional time.
func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
