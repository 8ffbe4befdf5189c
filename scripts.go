package coord

import "github.com/redis/go-redis/v9"

// Queue scripts. Every state transition of a job happens inside exactly one of
// these so concurrent producers and workers never observe a half-moved job.
//
// Prioritized scores are priority * 2^32 + a per-queue counter, keeping FIFO
// order among jobs of equal priority.
//
// Job hashes are addressed through ARGV, not KEYS. On Redis Cluster this only
// works when every key of a queue hashes to one slot, which is why cluster
// queue names must carry a hash tag.

// KEYS: meta, wait, prioritized, delayed, pc
// ARGV: job key, id, type, payload, options, timestamp, delay ms, priority
// Returns {1, id} when created, {0, id} when the id already exists, {-1, ""} when the queue is missing.
var addJobScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1, ""}
end
local jobKey = ARGV[1]
if redis.call("EXISTS", jobKey) == 1 then
  return {0, ARGV[2]}
end
local ts = tonumber(ARGV[6])
local delay = tonumber(ARGV[7])
local priority = tonumber(ARGV[8])
local state = "waiting"
if delay > 0 then
  state = "delayed"
elseif priority > 0 then
  state = "prioritized"
end
redis.call("HSET", jobKey, "name", ARGV[3], "data", ARGV[4], "opts", ARGV[5],
  "timestamp", ARGV[6], "priority", ARGV[8], "attemptsMade", 0, "state", state)
if state == "delayed" then
  redis.call("ZADD", KEYS[4], ts + delay, ARGV[2])
elseif state == "prioritized" then
  local n = redis.call("INCR", KEYS[5])
  redis.call("ZADD", KEYS[3], priority * 4294967296 + n, ARGV[2])
else
  redis.call("LPUSH", KEYS[2], ARGV[2])
end
return {1, ARGV[2]}
`)

// KEYS: meta, wait, prioritized, delayed, active, pc
// ARGV: job key prefix, now ms
// Returns the claimed job id, or nil when the queue is paused or empty.
var claimJobScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local due = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", now, "LIMIT", 0, 1000)
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[4], id)
  local jobKey = ARGV[1] .. id
  local priority = tonumber(redis.call("HGET", jobKey, "priority") or "0")
  if priority > 0 then
    local n = redis.call("INCR", KEYS[6])
    redis.call("ZADD", KEYS[3], priority * 4294967296 + n, id)
    redis.call("HSET", jobKey, "state", "prioritized")
  else
    redis.call("LPUSH", KEYS[2], id)
    redis.call("HSET", jobKey, "state", "waiting")
  end
end
if redis.call("HEXISTS", KEYS[1], "paused") == 1 then
  return false
end
local id = redis.call("RPOP", KEYS[2])
if not id then
  local popped = redis.call("ZPOPMIN", KEYS[3])
  if #popped == 0 then
    return false
  end
  id = popped[1]
end
redis.call("LPUSH", KEYS[5], id)
redis.call("HSET", ARGV[1] .. id, "state", "active", "processedOn", ARGV[2])
return id
`)

// KEYS: active, completed
// ARGV: job key, id, return value, now ms, remove ("1" or "0")
// Returns 0 on success, -1 when the job was not active.
var completeJobScript = redis.NewScript(`
if redis.call("LREM", KEYS[1], -1, ARGV[2]) == 0 then
  return -1
end
if ARGV[5] == "1" then
  redis.call("DEL", ARGV[1])
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[2])
redis.call("HSET", ARGV[1], "state", "completed", "returnvalue", ARGV[3], "finishedOn", ARGV[4])
return 0
`)

// KEYS: active, failed, delayed, wait, prioritized, pc
// ARGV: job key, id, reason, now ms, remove ("1" or "0"), retry delay ms (-1 for a final failure)
// Returns 1 when the job was scheduled for retry, 0 when it failed for good, -1 when it was not active.
var failJobScript = redis.NewScript(`
if redis.call("LREM", KEYS[1], -1, ARGV[2]) == 0 then
  return -1
end
redis.call("HINCRBY", ARGV[1], "attemptsMade", 1)
redis.call("HSET", ARGV[1], "failedReason", ARGV[3])
local backoff = tonumber(ARGV[6])
if backoff >= 0 then
  if backoff > 0 then
    redis.call("ZADD", KEYS[3], tonumber(ARGV[4]) + backoff, ARGV[2])
    redis.call("HSET", ARGV[1], "state", "delayed")
    return 1
  end
  local priority = tonumber(redis.call("HGET", ARGV[1], "priority") or "0")
  if priority > 0 then
    local n = redis.call("INCR", KEYS[6])
    redis.call("ZADD", KEYS[5], priority * 4294967296 + n, ARGV[2])
    redis.call("HSET", ARGV[1], "state", "prioritized")
  else
    redis.call("LPUSH", KEYS[4], ARGV[2])
    redis.call("HSET", ARGV[1], "state", "waiting")
  end
  return 1
end
if ARGV[5] == "1" then
  redis.call("DEL", ARGV[1])
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[2])
redis.call("HSET", ARGV[1], "state", "failed", "finishedOn", ARGV[4])
return 0
`)

// KEYS: lock key
// ARGV: lock value
// Deletes the key only while it still holds the caller's value.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// KEYS: lock key
// Deletes the key only while it has no expiry.
var deleteOrphanScript = redis.NewScript(`
if redis.call("PTTL", KEYS[1]) == -1 then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
