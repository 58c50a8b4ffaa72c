// Package cachestore is the port this service needs from a key-value cache
// store: strings, hashes, sets, sorted sets, bitmaps, and a handful of
// atomic server-side operations plus a distributed lock primitive.
// spec.md section 6 enumerates the operations; this interface groups them
// the way the components actually call them, so a fake in-memory
// implementation (used in tests) never has to interpret Lua.
package cachestore

import (
	"context"
	"time"
)

// Store is implemented by the Redis adapter in this package and by the
// in-memory fake in cachestoretest.
type Store interface {
	// strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	MGet(ctx context.Context, keys []string) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// hashes
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HLen(ctx context.Context, key string) (int64, error)

	// sets (explicit index sets, never KEYS — spec section 9.4)
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// sorted sets
	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]ScoredMember, error)
	ZRem(ctx context.Context, key string, member string) error

	// bitmaps
	GetBit(ctx context.Context, key string, offset int64) (int, error)
	BitCount(ctx context.Context, key string) (int64, error)

	// ToggleBit atomically flips the bit at offset to target (0 or 1) if
	// it is not already there; returns 0 if unchanged, 1 if flipped. This
	// is spec.md section 4.B's GETBIT/SETBIT compare-and-flip.
	ToggleBit(ctx context.Context, key string, offset int64, target int) (int, error)

	// AddSegment atomically adds delta to the 1-based segment idx of the
	// packed-counter blob at key (allocating a zero buffer if absent),
	// clamps to [0, 2^32-1], and returns the new segment value. Spec.md
	// section 4.A.
	AddSegment(ctx context.Context, key string, schemaLen, fieldSize, idx int, delta int64) (uint32, error)

	// FoldFieldAndDelete atomically folds the integer value of hash field
	// `field` in `hashKey` into segment `idx` of the packed counter at
	// `counterKey` via AddSegment's semantics, then deletes the field —
	// all in one script, so a crash between fold and delete cannot
	// double-count (spec.md section 9, open question 1). didFold is false
	// if the field was absent (nothing to do).
	FoldFieldAndDelete(ctx context.Context, hashKey, field, counterKey string, schemaLen, fieldSize, idx int) (didFold bool, newValue uint32, err error)

	// TokenBucketConsume runs the scripted token bucket admission check
	// described in spec.md section 4.F: capacity, refill tokens/sec,
	// consumes 1 token on success. nowUnixMillis lets callers use a
	// deterministic clock in tests.
	TokenBucketConsume(ctx context.Context, key string, capacity int64, refillPerSec float64, nowUnixMillis int64, ttl time.Duration) (allowed bool, err error)

	// distributed lock with watchdog-style auto-renew, modeled as
	// SET key owner NX PX ttl underneath. TryLock never blocks.
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// ScoredMember is a (member, score) pair from a sorted-set range query.
type ScoredMember struct {
	Member string
	Score  float64
}
