// Package sqlite implements store.Store on SQLite using database/sql and
// mattn/go-sqlite3. Suitable for embedded deployments, CLI tools and
// single-node services.
//
//	s, err := sqlite.Open("durable.db")
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil { ... }
//
// The store holds a single connection: SQLite allows one writer at a time
// and serializing through one connection makes every claim atomic.
// Timestamps are stored as UTC Unix nanoseconds.
package sqlite
