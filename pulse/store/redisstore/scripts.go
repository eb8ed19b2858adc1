package redisstore

import "github.com/redis/go-redis/v9"

// Key layout under prefix P, which always carries a hash tag such as
// {pulse} so every key lands in one cluster slot:
//
//	P:occ:<id>  hash    one occurrence; "" encodes null
//	P:due       zset    pending and unlocked, score next_run_at ms
//	P:locks     zset    claimed, score locked_at ms
//	P:all       zset    every occurrence, score created_at ms
//	P:prev      hash    previous_id -> successor id
//	P:tail      hash    chain_id -> newest occurrence of the chain
//
// Equal scores sort by member, which gives the (next_run_at, id) claim
// order for free. Numbers cross into Lua as strings and are only
// converted with tonumber for comparisons.

const luaHelpers = `
local function fields(argv, from)
  local flat, f = {}, {}
  for i = from, #argv, 2 do
    flat[#flat + 1] = argv[i]
    flat[#flat + 1] = argv[i + 1]
    f[argv[i]] = argv[i + 1]
  end
  return flat, f
end

local function can_insert(key, prev, f)
  if redis.call('EXISTS', key) == 1 then return false end
  if f.previous_id ~= '' and redis.call('HEXISTS', prev, f.previous_id) == 1 then return false end
  return true
end

local function do_insert(key, due, locks, all, prev, tail, flat, f)
  redis.call('HSET', key, unpack(flat))
  if f.next_run_at ~= '' then
    if f.locked_at ~= '' then
      redis.call('ZADD', locks, f.locked_at, f.id)
    else
      redis.call('ZADD', due, f.next_run_at, f.id)
    end
  end
  redis.call('ZADD', all, f.created_at, f.id)
  if f.previous_id ~= '' then
    redis.call('HSET', prev, f.previous_id, f.id)
  end
  redis.call('HSET', tail, f.chain_id, f.id)
end
`

// KEYS: occ, due, locks, all, prev, tail   ARGV: field/value pairs
var insertScript = redis.NewScript(luaHelpers + `
local flat, f = fields(ARGV, 1)
if not can_insert(KEYS[1], KEYS[5], f) then
  return redis.error_reply('DUPLICATE')
end
do_insert(KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], flat, f)
return 'OK'
`)

// KEYS: due, locks
// ARGV: prefix, now, cutoff, limit, owner, filter ("1" when names follow), names...
var claimScript = redis.NewScript(`
local due, locks = KEYS[1], KEYS[2]
local prefix, nowArg, cutoffArg, limitArg, owner = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local now, limit = tonumber(nowArg), tonumber(limitArg)

local allowed = nil
if ARGV[6] == '1' then
  allowed = {}
  for i = 7, #ARGV do allowed[ARGV[i]] = true end
end
local function wanted(id)
  if not allowed then return true end
  local name = redis.call('HGET', prefix .. ':occ:' .. id, 'job_name')
  return name and allowed[name] == true
end

local cands = {}
local offset, taken = 0, 0
while taken < limit do
  local page = redis.call('ZRANGEBYSCORE', due, '-inf', nowArg, 'WITHSCORES', 'LIMIT', offset, limit)
  if #page == 0 then break end
  for i = 1, #page, 2 do
    if wanted(page[i]) then
      cands[#cands + 1] = { id = page[i], at = tonumber(page[i + 1]) }
      taken = taken + 1
    end
  end
  offset = offset + math.floor(#page / 2)
end

local stale = redis.call('ZRANGEBYSCORE', locks, '-inf', '(' .. cutoffArg)
for _, id in ipairs(stale) do
  local at = tonumber(redis.call('HGET', prefix .. ':occ:' .. id, 'next_run_at') or '')
  if at and at <= now and wanted(id) then
    cands[#cands + 1] = { id = id, at = at }
  end
end

table.sort(cands, function(a, b)
  if a.at == b.at then return a.id < b.id end
  return a.at < b.at
end)

local out = {}
local n = #cands
if limit < n then n = limit end
for i = 1, n do
  local id = cands[i].id
  local key = prefix .. ':occ:' .. id
  redis.call('HSET', key, 'locked_at', nowArg, 'lock_owner', owner, 'updated_at', nowArg)
  redis.call('ZREM', due, id)
  redis.call('ZADD', locks, nowArg, id)
  out[#out + 1] = redis.call('HGETALL', key)
end
return out
`)

// KEYS: occ, due, locks, all, prev, tail, next_occ
// ARGV: id, result, error, finished, owner, [next field/value pairs]
var completeScript = redis.NewScript(luaHelpers + `
local key = KEYS[1]
local id, result, errmsg, finished, owner = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]

if redis.call('EXISTS', key) == 0 then
  return redis.error_reply('NOTFOUND')
end
local locked = redis.call('HGET', key, 'locked_at')
if not locked or locked == '' then
  return redis.error_reply('NOTCLAIMED')
end
if owner ~= '' and redis.call('HGET', key, 'lock_owner') ~= owner then
  return redis.error_reply('NOTCLAIMED')
end

local flat, f
if #ARGV > 5 then
  flat, f = fields(ARGV, 6)
  if not can_insert(KEYS[7], KEYS[5], f) then
    return redis.error_reply('DUPLICATE')
  end
end

local fails = '0'
if result == 'failure' then
  fails = tostring(tonumber(redis.call('HGET', key, 'fail_count') or '0') + 1)
end
redis.call('HSET', key,
  'locked_at', '', 'lock_owner', '', 'next_run_at', '',
  'last_finished_at', finished, 'last_result', result, 'last_error', errmsg,
  'fail_count', fails, 'updated_at', finished)
redis.call('ZREM', KEYS[3], id)
redis.call('ZREM', KEYS[2], id)

if flat then
  do_insert(KEYS[7], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], flat, f)
end
return 'OK'
`)

// KEYS: occ, due, locks   ARGV: id, owner, now
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local id, owner, now = ARGV[1], ARGV[2], ARGV[3]

if redis.call('EXISTS', key) == 0 then
  return redis.error_reply('NOTFOUND')
end
local locked = redis.call('HGET', key, 'locked_at')
if not locked or locked == '' then
  return redis.error_reply('NOTCLAIMED')
end
if owner ~= '' and redis.call('HGET', key, 'lock_owner') ~= owner then
  return redis.error_reply('NOTCLAIMED')
end

redis.call('HSET', key, 'locked_at', '', 'lock_owner', '', 'updated_at', now)
redis.call('ZREM', KEYS[3], id)
local next = redis.call('HGET', key, 'next_run_at')
if next and next ~= '' then
  redis.call('ZADD', KEYS[2], next, id)
end
return 'OK'
`)

// KEYS: occ, due, locks   ARGV: id, at
var cancelScript = redis.NewScript(`
local key = KEYS[1]
local id, at = ARGV[1], ARGV[2]

if redis.call('EXISTS', key) == 0 then
  return redis.error_reply('NOTFOUND')
end
local next = redis.call('HGET', key, 'next_run_at')
if not next or next == '' then
  return redis.error_reply('NOTCLAIMED')
end

redis.call('HSET', key,
  'next_run_at', '', 'locked_at', '', 'lock_owner', '',
  'last_finished_at', at, 'last_result', 'cancelled', 'last_error', '',
  'updated_at', at)
redis.call('ZREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
return 'OK'
`)

// KEYS: occ, all, prev, tail   ARGV: id, cutoff
var purgeScript = redis.NewScript(`
local key = KEYS[1]
local h = redis.call('HMGET', key, 'next_run_at', 'locked_at', 'last_finished_at', 'previous_id', 'chain_id')
local nextRun, locked, finished, prevID, chainID = h[1], h[2], h[3], h[4], h[5]
if not finished or finished == '' then return 0 end
if nextRun ~= '' or locked ~= '' then return 0 end
if tonumber(finished) >= tonumber(ARGV[2]) then return 0 end

redis.call('DEL', key)
redis.call('ZREM', KEYS[2], ARGV[1])
if prevID and prevID ~= '' then
  redis.call('HDEL', KEYS[3], prevID)
end
if chainID and chainID ~= '' and redis.call('HGET', KEYS[4], chainID) == ARGV[1] then
  redis.call('HDEL', KEYS[4], chainID)
end
return 1
`)
