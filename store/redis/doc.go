// Package redis implements store.Store on Redis using go-redis.
//
// Runs are Hashes. A Sorted Set scored by due time (wake time, or lease
// expiry for running runs) drives claiming, and a second Sorted Set scored
// by creation time backs listing. Task cache entries live in one Hash per
// run, with a companion Hash indexing journal slots. Every read-modify-write
// runs as a Lua script so concurrent workers never double-claim a run or
// overwrite a cached result.
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
//
// Scripts address run Hashes derived from the key prefix, so the store
// targets a single Redis node or a primary, not Redis Cluster.
package redis
