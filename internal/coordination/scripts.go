package coordination

import "github.com/redis/go-redis/v9"

// KEYS[1] status cell, KEYS[2] issued-user set
// ARGV[1] user id, ARGV[2] ISSUED
var markAsIssuedScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[2])
return redis.call('SADD', KEYS[2], ARGV[1])
`)

// KEYS[1] status cell, KEYS[2] issued-user set
// ARGV[1] user id, ARGV[2] PENDING
var rollbackIssuedMarkScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[2])
return redis.call('SREM', KEYS[2], ARGV[1])
`)

// KEYS[1] status cell
// ARGV[1] target status, ARGV[2] ISSUED, ARGV[3] FAILED
var transitionStatusScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[2] or current == ARGV[3] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// KEYS[1] stock, KEYS[2] issued-user set
// ARGV[1] user id
var validateAndMarkScript = redis.NewScript(`
local stock = redis.call('GET', KEYS[1])
if not stock then
  return 'COUPON_NOT_FOUND'
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return 'DUPLICATE_ISSUE'
end
if tonumber(stock) - redis.call('SCARD', KEYS[2]) <= 0 then
  return 'OUT_OF_STOCK'
end
redis.call('SADD', KEYS[2], ARGV[1])
return 'VALID'
`)

// KEYS[1] stock, KEYS[2] issued-user set, KEYS[3] request queue,
// KEYS[4] pending work-list, KEYS[5] status cell
// ARGV[1] user id, ARGV[2] coupon id, ARGV[3] arrival ms, ARGV[4] FAILED
var admitScript = redis.NewScript(`
local stock = redis.call('GET', KEYS[1])
if not stock then
  return 'COUPON_NOT_FOUND'
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return 'DUPLICATE_ISSUE'
end
if redis.call('GET', KEYS[5]) == ARGV[4] then
  return 'ATTEMPT_FAILED'
end
if tonumber(stock) - redis.call('SCARD', KEYS[2]) <= 0 then
  redis.call('SET', KEYS[5], ARGV[4])
  return 'OUT_OF_STOCK'
end
if redis.call('ZADD', KEYS[3], 'NX', ARGV[3], ARGV[1]) == 1 then
  if redis.call('ZCARD', KEYS[3]) == 1 then
    redis.call('RPUSH', KEYS[4], ARGV[2])
  end
end
return 'VALID'
`)
