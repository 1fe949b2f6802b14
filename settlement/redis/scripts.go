package redis

import "github.com/redis/go-redis/v9"

// KEYS: request hash, queued list. ARGV: amount, timestamp (ms).
// Returns the amount recorded on first use of the idempotency key.
var queueSettlementScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], 'amount')
if existing then
  redis.call('HSET', KEYS[1], 'last_request_timestamp', ARGV[2])
  return existing
end
redis.call('HSET', KEYS[1], 'amount', ARGV[1], 'last_request_timestamp', ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[1])
return ARGV[1]
`)

// KEYS: accounts set, pending-leases zset. ARGV: account id, escaped key pattern.
var deleteAccountScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
local keys = redis.call('KEYS', ARGV[2])
for _, key in ipairs(keys) do
  redis.call('ZREM', KEYS[2], key)
  redis.call('DEL', key)
end
return #keys
`)

// KEYS: queued list, lease hash, lease amounts list, pending-leases zset.
// ARGV: account id, expires_at (ms). Returns the leased amounts.
var prepareSettlementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {}
end
redis.call('RENAME', KEYS[1], KEYS[3])
redis.call('HSET', KEYS[2], 'account', ARGV[1], 'expires_at', ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[2], KEYS[2])
return redis.call('LRANGE', KEYS[3], 0, -1)
`)

// KEYS: lease hash, lease amounts list, queued list.
// ARGV: tx id, tx amount, max ledger height, leftover ("0" when none), now (ms).
// Returns 0 when the lease is gone and -1 when it expired at or before now.
var commitLeaseScript = redis.NewScript(`
local expires = redis.call('HGET', KEYS[1], 'expires_at')
if not expires then
  return 0
end
if tonumber(expires) <= tonumber(ARGV[5]) then
  return -1
end
redis.call('HSET', KEYS[1], 'tx_id', ARGV[1], 'amount', ARGV[2], 'max_ledger_height', ARGV[3])
redis.call('DEL', KEYS[2])
redis.call('RPUSH', KEYS[2], ARGV[2])
if ARGV[4] ~= '0' then
  redis.call('LPUSH', KEYS[3], ARGV[4])
end
return 1
`)
