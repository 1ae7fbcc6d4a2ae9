package redis

import "github.com/redis/go-redis/v9"

// createRunScript inserts a run unless its ID or dedup key is taken.
//
// KEYS: run hash, dedup hash, due zset, runs zset
// ARGV: run id, dedup key, due score ("" when not due), created score,
// field/value pairs...
// Returns 1 on insert, 0 on conflict.
var createRunScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if redis.call('HSETNX', KEYS[2], ARGV[2], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
if ARGV[3] ~= '' then
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
end
return 1
`)

// updateRunScript overwrites a run's mutable fields when the caller holds
// its lease. A cancel request already on the run survives, and makes a
// pending or waiting run due now.
//
// KEYS: run hash, due zset
// ARGV: run id, due score ("" when not due), state, expected owner,
// field/value pairs...
// Returns 1 on update, 0 when the lease is held by someone else, -1 when
// the run does not exist.
var updateRunScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local fields = redis.call('HMGET', KEYS[1], 'cancel_requested', 'lease_owner')
if (fields[2] or '') ~= ARGV[4] then
	return 0
end
local cancelled = fields[1] == '1'
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
local score = ARGV[2]
if cancelled then
	redis.call('HSET', KEYS[1], 'cancel_requested', '1')
	if ARGV[3] == 'pending' or ARGV[3] == 'waiting' then
		score = '0'
	end
end
if score == '' then
	redis.call('ZREM', KEYS[2], ARGV[1])
else
	redis.call('ZADD', KEYS[2], score, ARGV[1])
end
return 1
`)

// claimRunsScript leases up to limit due runs.
//
// KEYS: due zset
// ARGV: now score, limit, run key prefix, owner, lease_until, lease score,
// updated_at
// Returns the claimed run IDs, earliest due first.
var claimRunsScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local claimed = {}
for _, id in ipairs(ids) do
	local key = ARGV[3] .. id
	local state = redis.call('HGET', key, 'state')
	if state == 'pending' or state == 'waiting' or state == 'running' then
		redis.call('HSET', key,
			'state', 'running',
			'lease_owner', ARGV[4],
			'lease_until', ARGV[5],
			'updated_at', ARGV[7])
		redis.call('ZADD', KEYS[1], ARGV[6], id)
		table.insert(claimed, id)
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return claimed
`)

// releaseExpiredScript returns running runs whose lease ended before now
// to pending.
//
// KEYS: due zset
// ARGV: now score, run key prefix, wake_at, updated_at
// Returns the released run IDs.
var releaseExpiredScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local released = {}
for _, id in ipairs(ids) do
	local key = ARGV[2] .. id
	if redis.call('HGET', key, 'state') == 'running' then
		redis.call('HSET', key,
			'state', 'pending',
			'lease_owner', '',
			'lease_until', '',
			'wake_at', ARGV[3],
			'updated_at', ARGV[4])
		redis.call('ZADD', KEYS[1], ARGV[1], id)
		table.insert(released, id)
	end
end
return released
`)

// extendLeaseScript renews a lease held by owner.
//
// KEYS: run hash, due zset
// ARGV: run id, owner, lease_until, lease score
// Returns 1 on success, 0 when the lease is lost, -1 when the run is missing.
var extendLeaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local fields = redis.call('HMGET', KEYS[1], 'state', 'lease_owner')
if fields[1] ~= 'running' or fields[2] ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'lease_until', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// requestCancelScript flags an unfinished run for cancellation.
//
// KEYS: run hash, due zset
// ARGV: run id, updated_at
// Returns 1 on success, 0 when the run is finished, -1 when it is missing.
var requestCancelScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'completed' or state == 'failed' then
	return 0
end
redis.call('HSET', KEYS[1], 'cancel_requested', '1', 'updated_at', ARGV[2])
if state == 'pending' or state == 'waiting' then
	redis.call('ZADD', KEYS[2], 0, ARGV[1])
end
return 1
`)

// wakeRunScript makes a waiting run due now.
//
// KEYS: run hash, due zset
// ARGV: run id, wake_at, now score
// Returns 1 when woken, 0 when not waiting, -1 when missing.
var wakeRunScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'waiting' then
	return 0
end
redis.call('HSET', KEYS[1], 'wake_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// putTaskScript records a cache entry unless its key or journal slot is
// taken.
//
// KEYS: tasks hash, steps hash
// ARGV: cache key, seq, encoded entry
// Returns 0 on insert, 1 for a taken key, 2 for a taken slot.
var putTaskScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 1
end
local journaled = tonumber(ARGV[2]) >= 0
if journaled and redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
	return 2
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
if journaled then
	redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
end
return 0
`)
