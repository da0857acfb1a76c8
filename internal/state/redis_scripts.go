package state

// This file contains Lua scripts for atomic Redis operations on scheduling state.
// Every script touches a single hash-tagged key so it is safe on Redis Cluster.

const (
	// incrementSlotScript adds a concurrency slot scored by its absolute expiry.
	//
	// Keys:
	//   KEYS[1] - slot set key (e.g., "relaymux:concurrency:{acct-1}")
	//
	// Args:
	//   ARGV[1] - request id (member)
	//   ARGV[2] - slot expiry, unix milliseconds (score)
	//   ARGV[3] - set TTL in seconds (slot ttl + buffer)
	//   ARGV[4] - now, unix milliseconds
	//
	// Returns:
	//   number of live slots after the insert
	incrementSlotScript = `
local key = KEYS[1]
local member = ARGV[1]
local expiry = tonumber(ARGV[2])
local set_ttl = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

redis.call('ZADD', key, expiry, member)
redis.call('EXPIRE', key, set_ttl)

return redis.call('ZCOUNT', key, now, '+inf')
`

	// extendSessionScript renews a sticky mapping when its remaining TTL drops
	// below the renewal threshold.
	//
	// Keys:
	//   KEYS[1] - session mapping key
	//
	// Args:
	//   ARGV[1] - full TTL in seconds
	//   ARGV[2] - renewal threshold in seconds
	//
	// Returns:
	//   -2 when the key is missing, 1 when renewed, 0 otherwise
	extendSessionScript = `
local key = KEYS[1]
local full_ttl = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])

local ttl = redis.call('TTL', key)
if ttl == -2 then
    return -2
end

if ttl == -1 or ttl < threshold then
    redis.call('EXPIRE', key, full_ttl)
    return 1
end

return 0
`

	// incrementCounterScript bumps a windowed counter and sets its TTL only
	// when the window starts.
	//
	// Keys:
	//   KEYS[1] - counter key
	//
	// Args:
	//   ARGV[1] - window in seconds
	//
	// Returns:
	//   counter value after increment
	incrementCounterScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('TTL', KEYS[1]) == -1 then
    redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return count
`

	// releaseLockScript deletes a lock only when the caller still owns it.
	//
	// Keys:
	//   KEYS[1] - lock key
	//
	// Args:
	//   ARGV[1] - owner token written at acquire time
	//
	// Returns:
	//   1 when released, 0 when the lock expired or belongs to someone else
	releaseLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
)
