package redis

// Redis key naming conventions for durable data.
// All keys are prefixed with "durable:" to avoid collisions.

const keyPrefix = "durable:"

// ── Run keys ──

// runKeyPrefix prefixes run Hashes. The claim and release scripts append
// the run ID.
const runKeyPrefix = keyPrefix + "run:"

// runKey returns the key for a run entity: durable:run:{id}
func runKey(id string) string { return runKeyPrefix + id }

// runsKey is the Sorted Set of all run IDs scored by creation time.
const runsKey = keyPrefix + "runs"

// dueKey is the Sorted Set of claimable run IDs scored by due time.
const dueKey = keyPrefix + "due"

// dedupKey is the Hash mapping delivery dedup keys to run IDs.
const dedupKey = keyPrefix + "dedup"

// ── Task cache keys ──

// tasksKey returns the Hash of cache entries for a run, keyed by cache key.
func tasksKey(runID string) string { return keyPrefix + "tasks:" + runID }

// stepsKey returns the Hash mapping journal sequence numbers to cache keys.
func stepsKey(runID string) string { return keyPrefix + "steps:" + runID }
