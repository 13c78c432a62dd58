package queue

import r "github.com/redis/go-redis/v9"

// Every script receives the same KEYS layout, see keys.script:
//  1 wait  2 paused  3 meta  4 prioritized  5 priority counter
//  6 delayed  7 active  8 completed  9 failed  10 waiting-children
// ARGV[1] is always the job hash prefix.
const prelude = `
local jobPrefix = ARGV[1]
local function pushWaiting(id, prio)
  if redis.call("HEXISTS", KEYS[3], "paused") == 1 then
    redis.call("LPUSH", KEYS[2], id)
  elseif prio > 0 then
    local c = redis.call("INCR", KEYS[5])
    redis.call("ZADD", KEYS[4], prio * 4294967296 + c, id)
  else
    redis.call("LPUSH", KEYS[1], id)
  end
end
local function priorityOf(id)
  return tonumber(redis.call("HGET", jobPrefix .. id, "priority") or "0") or 0
end
local function removeJob(id)
  redis.call("DEL", jobPrefix .. id, jobPrefix .. id .. ":logs")
end
local function trimFinished(target, cutoff, keepCount)
  if cutoff then
    local old = redis.call("ZRANGEBYSCORE", target, "-inf", cutoff)
    for _, oid in ipairs(old) do
      removeJob(oid)
      redis.call("ZREM", target, oid)
    end
  end
  if keepCount > 0 then
    local extra = redis.call("ZRANGE", target, 0, -(keepCount + 1))
    for _, oid in ipairs(extra) do
      removeJob(oid)
      redis.call("ZREM", target, oid)
    end
  end
end
-- settle releases a dedup key without a TTL and files the job into target,
-- applying retention. keepAge is in ms (0 = forever), keepCount -1 keeps all
-- and 0 removes the job at once.
local function settle(id, target, now, keepAge, keepCount, dedupKey)
  if dedupKey ~= "" and redis.call("GET", dedupKey) == id and redis.call("PTTL", dedupKey) == -1 then
    redis.call("DEL", dedupKey)
  end
  if keepCount == 0 then
    removeJob(id)
    return
  end
  redis.call("ZADD", target, now, id)
  local cutoff = nil
  if keepAge > 0 then cutoff = now - keepAge end
  trimFinished(target, cutoff, keepCount)
end
`

// ARGV: 2 dedup prefix, 3 job count, then 11 values per job:
// id, name, data, opts, timestamp, delayUntil, priority, dedupId, dedupTTL,
// fail keep age ms, fail keep count.
var addJobsScript = r.NewScript(prelude + `
local dedupPrefix = ARGV[2]
local n = tonumber(ARGV[3])
local out = {}
for i = 0, n - 1 do
  local b = 3 + i * 11
  local id = ARGV[b + 1]
  local dedupId = ARGV[b + 8]
  local existing = false
  if dedupId ~= "" then
    existing = redis.call("GET", dedupPrefix .. dedupId)
  end
  if existing then
    out[#out + 1] = existing
  else
    local jk = jobPrefix .. id
    if redis.call("EXISTS", jk) == 0 then
      local delayUntil = tonumber(ARGV[b + 6])
      redis.call("HSET", jk, "name", ARGV[b + 2], "data", ARGV[b + 3], "opts", ARGV[b + 4],
        "timestamp", ARGV[b + 5], "delay", ARGV[b + 6], "priority", ARGV[b + 7],
        "atm", 0, "ats", 0, "stc", 0, "progress", 0, "deid", dedupId,
        "rfa", ARGV[b + 10], "rfc", ARGV[b + 11])
      if dedupId ~= "" then
        if tonumber(ARGV[b + 9]) > 0 then
          redis.call("SET", dedupPrefix .. dedupId, id, "PX", ARGV[b + 9])
        else
          redis.call("SET", dedupPrefix .. dedupId, id)
        end
      end
      if delayUntil > 0 then
        redis.call("ZADD", KEYS[6], ARGV[b + 6], id)
      else
        pushWaiting(id, tonumber(ARGV[b + 7]))
      end
    end
    out[#out + 1] = id
  end
end
return out
`)

// ARGV: 2 now, 3 lock deadline.
// Returns {id, hash fields...} or {"", nextDelayedScore?}.
var claimJobScript = r.NewScript(prelude + `
local due = redis.call("ZRANGEBYSCORE", KEYS[6], "-inf", ARGV[2], "LIMIT", 0, 1000)
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[6], id)
  pushWaiting(id, priorityOf(id))
end
if redis.call("HEXISTS", KEYS[3], "paused") == 1 then
  return {""}
end
while true do
  local id = redis.call("RPOP", KEYS[1])
  if not id then
    local popped = redis.call("ZPOPMIN", KEYS[4])
    if #popped > 0 then id = popped[1] end
  end
  if not id then
    local nextDue = redis.call("ZRANGE", KEYS[6], 0, 0, "WITHSCORES")
    if #nextDue > 0 then return {"", nextDue[2]} end
    return {""}
  end
  local jk = jobPrefix .. id
  if redis.call("EXISTS", jk) == 1 then
    redis.call("ZADD", KEYS[7], ARGV[3], id)
    redis.call("HINCRBY", jk, "ats", 1)
    redis.call("HSET", jk, "processedOn", ARGV[2])
    local out = redis.call("HGETALL", jk)
    table.insert(out, 1, id)
    return out
  end
end
`)

// ARGV: 2 id, 3 now, 4 target ("completed"|"failed"), 5 field, 6 value,
// 7 keep age ms (0 = forever), 8 keep count (-1 = all), 9 dedup key.
// Returns attempts made, or -1 when the job is no longer active.
var finishJobScript = r.NewScript(prelude + `
local id = ARGV[2]
if redis.call("ZREM", KEYS[7], id) == 0 then return -1 end
local jk = jobPrefix .. id
if redis.call("EXISTS", jk) == 0 then return -1 end
local atm = redis.call("HINCRBY", jk, "atm", 1)
redis.call("HSET", jk, ARGV[5], ARGV[6], "finishedOn", ARGV[3])
local target = KEYS[8]
if ARGV[4] == "failed" then target = KEYS[9] end
settle(id, target, tonumber(ARGV[3]), tonumber(ARGV[7]), tonumber(ARGV[8]), ARGV[9])
return atm
`)

// ARGV: 2 id, 3 delay until ms (0 = now), 4 count attempt ("1"|"0"), 5 failed reason.
// Returns attempts made, or -1 when the job is no longer active.
var requeueJobScript = r.NewScript(prelude + `
local id = ARGV[2]
if redis.call("ZREM", KEYS[7], id) == 0 then return -1 end
local jk = jobPrefix .. id
if redis.call("EXISTS", jk) == 0 then return -1 end
local atm = tonumber(redis.call("HGET", jk, "atm") or "0") or 0
if ARGV[4] == "1" then atm = redis.call("HINCRBY", jk, "atm", 1) end
if ARGV[5] ~= "" then redis.call("HSET", jk, "failedReason", ARGV[5]) end
redis.call("HSET", jk, "delay", ARGV[3])
if tonumber(ARGV[3]) > 0 then
  redis.call("ZADD", KEYS[6], ARGV[3], id)
else
  pushWaiting(id, priorityOf(id))
end
return atm
`)

// ARGV: 2 now, 3 max stalled count, 4 failed reason, 5 dedup prefix.
// Returns one {id, hash fields...} entry per job moved to failed. The hash
// is captured before retention runs, so removed jobs are still reported.
var stalledJobsScript = r.NewScript(prelude + `
local now = tonumber(ARGV[2])
local stalled = redis.call("ZRANGEBYSCORE", KEYS[7], "-inf", ARGV[2])
local failed = {}
for _, id in ipairs(stalled) do
  redis.call("ZREM", KEYS[7], id)
  local jk = jobPrefix .. id
  if redis.call("EXISTS", jk) == 1 then
    local count = redis.call("HINCRBY", jk, "stc", 1)
    if count > tonumber(ARGV[3]) then
      redis.call("HINCRBY", jk, "atm", 1)
      redis.call("HSET", jk, "failedReason", ARGV[4], "finishedOn", ARGV[2])
      local entry = redis.call("HGETALL", jk)
      table.insert(entry, 1, id)
      failed[#failed + 1] = entry
      local deid = redis.call("HGET", jk, "deid")
      local dedupKey = ""
      if deid and deid ~= "" then dedupKey = ARGV[5] .. deid end
      local keepAge = tonumber(redis.call("HGET", jk, "rfa") or "0") or 0
      local keepCount = tonumber(redis.call("HGET", jk, "rfc") or "-1") or -1
      settle(id, KEYS[9], now, keepAge, keepCount, dedupKey)
    else
      pushWaiting(id, priorityOf(id))
    end
  end
end
return failed
`)

// ARGV: 2 "1" to pause, "0" to resume.
var pauseScript = r.NewScript(prelude + `
local src, dst = KEYS[1], KEYS[2]
if ARGV[2] == "1" then
  redis.call("HSET", KEYS[3], "paused", 1)
else
  redis.call("HDEL", KEYS[3], "paused")
  src, dst = KEYS[2], KEYS[1]
end
while redis.call("RPOPLPUSH", src, dst) do end
return 1
`)

// ARGV: 2 id. Returns the state name, or "" when the job does not exist.
var jobStateScript = r.NewScript(prelude + `
local id = ARGV[2]
if redis.call("EXISTS", jobPrefix .. id) == 0 then return "" end
local sets = {{8, "completed"}, {9, "failed"}, {6, "delayed"}, {7, "active"},
  {4, "prioritized"}, {10, "waiting-children"}}
for _, s in ipairs(sets) do
  if redis.call("ZSCORE", KEYS[s[1]], id) then return s[2] end
end
if redis.call("LPOS", KEYS[1], id) then return "waiting" end
if redis.call("LPOS", KEYS[2], id) then return "paused" end
return "unknown"
`)

// ARGV: 2 id, 3 dedup prefix. Returns 1 when removed, 0 when missing.
var removeJobScript = r.NewScript(prelude + `
local id = ARGV[2]
local jk = jobPrefix .. id
if redis.call("EXISTS", jk) == 0 then return 0 end
local deid = redis.call("HGET", jk, "deid")
if deid and deid ~= "" and redis.call("GET", ARGV[3] .. deid) == id then
  redis.call("DEL", ARGV[3] .. deid)
end
for _, k in ipairs({4, 6, 7, 8, 9, 10}) do
  redis.call("ZREM", KEYS[k], id)
end
redis.call("LREM", KEYS[1], 0, id)
redis.call("LREM", KEYS[2], 0, id)
removeJob(id)
return 1
`)

// KEYS[1] job hash, 2 log list. ARGV[1] line, ARGV[2] keep (0 = all).
// Returns 0 without writing when the job is gone.
var appendLogScript = r.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
redis.call("RPUSH", KEYS[2], ARGV[1])
local keep = tonumber(ARGV[2])
if keep > 0 then redis.call("LTRIM", KEYS[2], -keep, -1) end
return 1
`)

// KEYS[1] job hash. ARGV[1] field, ARGV[2] value. Returns 0 when the job is gone.
var updateJobFieldScript = r.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)
