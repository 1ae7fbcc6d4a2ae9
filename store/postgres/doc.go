// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED claims, write-once task cache enforced by a
// primary key and a partial unique index on journal sequence numbers,
// embedded SQL migrations.
package postgres
