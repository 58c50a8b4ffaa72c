package cachestore

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore adapts github.com/redis/go-redis/v9 to the Store port.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedis dials a Redis server at addr with the given password/db.
func NewRedis(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if sv, ok := v.(string); ok {
			out[i] = sv
		}
	}
	return out, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, delta).Result()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.HLen(ctx, key).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SRem(ctx, key, args...).Err()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRevRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) ZRevRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]ScoredMember, error) {
	res, err := s.rdb.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Max:   formatScore(max),
		Min:   "-inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMember, len(res))
	for i, z := range res {
		member, _ := z.Member.(string)
		out[i] = ScoredMember{Member: member, Score: z.Score}
	}
	return out, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.rdb.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) GetBit(ctx context.Context, key string, offset int64) (int, error) {
	v, err := s.rdb.GetBit(ctx, key, offset).Result()
	return int(v), err
}

func (s *RedisStore) BitCount(ctx context.Context, key string) (int64, error) {
	return s.rdb.BitCount(ctx, key, nil).Result()
}

// ToggleBit implements spec.md section 4.B via a Lua script so the
// GETBIT-then-maybe-SETBIT is atomic.
func (s *RedisStore) ToggleBit(ctx context.Context, key string, offset int64, target int) (int, error) {
	n, err := s.rdb.Eval(ctx, toggleBitScript, []string{key}, offset, target).Result()
	if err != nil {
		return 0, err
	}
	i, err := toInt64(n)
	return int(i), err
}

// AddSegment implements spec.md section 4.A's atomic packed-counter add.
func (s *RedisStore) AddSegment(ctx context.Context, key string, schemaLen, fieldSize, idx int, delta int64) (uint32, error) {
	n, err := s.rdb.Eval(ctx, addSegmentScript, []string{key}, schemaLen, fieldSize, idx, delta).Result()
	if err != nil {
		return 0, err
	}
	v, err := toInt64(n)
	return uint32(v), err
}

// FoldFieldAndDelete implements the Open Question 1 fix from spec.md
// section 9: HGET the field, fold it into the counter via the same
// clamped-add logic as AddSegment, and HDEL the field, all as one script
// so a crash mid-flush cannot double count.
func (s *RedisStore) FoldFieldAndDelete(ctx context.Context, hashKey, field, counterKey string, schemaLen, fieldSize, idx int) (bool, uint32, error) {
	res, err := s.rdb.Eval(ctx, foldAndDeleteScript, []string{hashKey, counterKey}, field, schemaLen, fieldSize, idx).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, errors.New("cachestore: unexpected fold script result")
	}
	didFold, err := toInt64(arr[0])
	if err != nil {
		return false, 0, err
	}
	newVal, err := toInt64(arr[1])
	if err != nil {
		return false, 0, err
	}
	return didFold == 1, uint32(newVal), nil
}

// TokenBucketConsume implements spec.md section 4.F's scripted token
// bucket: capacity tokens, refill refillPerSec tokens/second computed from
// elapsed server time, consume 1 on success, PEXPIRE ttl.
func (s *RedisStore) TokenBucketConsume(ctx context.Context, key string, capacity int64, refillPerSec float64, nowUnixMillis int64, ttl time.Duration) (bool, error) {
	n, err := s.rdb.Eval(ctx, tokenBucketScript, []string{key}, capacity, refillPerSec, nowUnixMillis, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	v, err := toInt64(n)
	return v == 1, err
}

// TryLock implements a non-blocking, zero-wait distributed lock: SET NX PX.
func (s *RedisStore) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, owner, ttl).Result()
}

// RenewLock extends the TTL only if owner still holds the lock (CAS via
// script so the read-then-expire is atomic). This is the watchdog-style
// auto-renew described in spec.md section 4.C.
func (s *RedisStore) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := s.rdb.Eval(ctx, renewLockScript, []string{key}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	i, err := toInt64(n)
	return i == 1, err
}

// Unlock releases the lock only if owner still holds it.
func (s *RedisStore) Unlock(ctx context.Context, key, owner string) error {
	return s.rdb.Eval(ctx, unlockScript, []string{key}, owner).Err()
}

const toggleBitScript = `
local key = KEYS[1]
local bit = tonumber(ARGV[1])
local target = tonumber(ARGV[2])
local cur = redis.call("GETBIT", key, bit)
if cur == target then
  return 0
end
redis.call("SETBIT", key, bit, target)
return 1
`

// addSegmentScript allocates a zero blob if absent, reads the segment at
// (idx-1)*fieldSize, adds delta with clamping, writes back big-endian.
const addSegmentScript = `
local function clampAdd(blob, schemaLen, fieldSize, idx, delta)
  local total = schemaLen * fieldSize
  if not blob or #blob ~= total then
    blob = string.rep("\0", total)
  end
  local off = (idx - 1) * fieldSize
  local cur = 0
  for i = 1, fieldSize do
    cur = cur * 256 + string.byte(blob, off + i)
  end
  local newval = cur + delta
  if newval < 0 then newval = 0 end
  local maxv = 4294967295
  if newval > maxv then newval = maxv end
  local out = {}
  local rem = newval
  for i = fieldSize, 1, -1 do
    out[i] = rem % 256
    rem = math.floor(rem / 256)
  end
  local newbytes = string.char(out[1], out[2], out[3], out[4])
  local newblob = string.sub(blob, 1, off) .. newbytes .. string.sub(blob, off + fieldSize + 1)
  return newblob, newval
end

local key = KEYS[1]
local schemaLen = tonumber(ARGV[1])
local fieldSize = tonumber(ARGV[2])
local idx = tonumber(ARGV[3])
local delta = tonumber(ARGV[4])

local blob = redis.call("GET", key)
local newblob, newval = clampAdd(blob, schemaLen, fieldSize, idx, delta)
redis.call("SET", key, newblob)
return newval
`

const foldAndDeleteScript = `
local hashKey = KEYS[1]
local counterKey = KEYS[2]
local field = ARGV[1]
local schemaLen = tonumber(ARGV[2])
local fieldSize = tonumber(ARGV[3])
local idx = tonumber(ARGV[4])

local delta = redis.call("HGET", hashKey, field)
if not delta then
  return {0, 0}
end
delta = tonumber(delta)

local total = schemaLen * fieldSize
local blob = redis.call("GET", counterKey)
if not blob or #blob ~= total then
  blob = string.rep("\0", total)
end
local off = (idx - 1) * fieldSize
local cur = 0
for i = 1, fieldSize do
  cur = cur * 256 + string.byte(blob, off + i)
end
local newval = cur + delta
if newval < 0 then newval = 0 end
local maxv = 4294967295
if newval > maxv then newval = maxv end
local out = {}
local rem = newval
for i = fieldSize, 1, -1 do
  out[i] = rem % 256
  rem = math.floor(rem / 256)
end
local newbytes = string.char(out[1], out[2], out[3], out[4])
local newblob = string.sub(blob, 1, off) .. newbytes .. string.sub(blob, off + fieldSize + 1)
redis.call("SET", counterKey, newblob)
redis.call("HDEL", hashKey, field)
return {1, newval}
`

const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refillPerSec = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttlMs = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsedSec = math.max(0, (now - ts) / 1000)
tokens = math.min(capacity, tokens + elapsedSec * refillPerSec)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, ttlMs)
return allowed
`

const renewLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end`

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end`

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case nil:
		return 0, nil
	default:
		return 0, errors.New("cachestore: expected integer result from script")
	}
}
