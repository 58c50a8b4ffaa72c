// Package bitmap implements the per-user sharded fact bitmap (spec.md
// section 4.B): (userId -> chunk, bitOffset), one bit vector per
// (metric, entity, chunk), with an atomic toggle that reports whether the
// bit actually changed.
package bitmap

import (
	"context"
	"fmt"

	"knowengage/internal/platform/cachestore"
)

// ChunkSize is the number of bits per shard.
const ChunkSize = 32768

// Op selects the toggle direction.
type Op int

const (
	OpAdd Op = iota
	OpRemove
)

// Locate computes (chunk, bit) for a user id, per spec.md section 3:
// chunk = u / CHUNK_SIZE, bit = u mod CHUNK_SIZE.
func Locate(userID int64) (chunk int64, bit int64) {
	return userID / ChunkSize, userID % ChunkSize
}

// ShardKey builds the bitmap shard key bm:{metric}:{etype}:{eid}:{chunk}.
func ShardKey(metric, etype, eid string, chunk int64) string {
	return fmt.Sprintf("bm:%s:%s:%s:%d", metric, etype, eid, chunk)
}

// ShardIndexKey is the explicit set of shard keys that exist for a given
// (metric, etype, eid), populated on every toggle so rebuild never has to
// fall back to a KEYS scan (spec.md section 9, open question 4).
func ShardIndexKey(metric, etype, eid string) string {
	return fmt.Sprintf("bm:idx:%s:%s:%s", metric, etype, eid)
}

// Toggle atomically reads the bit for userID in the shard for
// (metric, etype, eid), and if it is not already in the target state,
// flips it. Returns changed=true and the signed delta (+1 on add, -1 on
// remove) only when the bit actually flipped; same-state calls return
// changed=false, delta=0. Also registers the shard key in the shard index
// set so rebuild can enumerate shards without KEYS.
func Toggle(ctx context.Context, store cachestore.Store, metric, etype, eid string, userID int64, op Op) (changed bool, delta int, err error) {
	chunk, bit := Locate(userID)
	key := ShardKey(metric, etype, eid, chunk)

	var target int
	if op == OpAdd {
		target = 1
	} else {
		target = 0
	}

	n, err := store.ToggleBit(ctx, key, bit, target)
	if err != nil {
		return false, 0, fmt.Errorf("bitmap: toggle: %w", err)
	}
	switch n {
	case 0:
		return false, 0, nil
	case 1:
		if err := store.SAdd(ctx, ShardIndexKey(metric, etype, eid), key); err != nil {
			return true, deltaFor(op), fmt.Errorf("bitmap: index shard: %w", err)
		}
		return true, deltaFor(op), nil
	default:
		return false, 0, fmt.Errorf("bitmap: unexpected toggle result %d", n)
	}
}

func deltaFor(op Op) int {
	if op == OpAdd {
		return 1
	}
	return -1
}

// GetBit is a pure read of the current state of userID for (metric, etype, eid).
func GetBit(ctx context.Context, store cachestore.Store, metric, etype, eid string, userID int64) (bool, error) {
	chunk, bit := Locate(userID)
	key := ShardKey(metric, etype, eid, chunk)
	v, err := store.GetBit(ctx, key, bit)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// PopCount sums BITCOUNT across every shard registered for
// (metric, etype, eid) in the shard index set — used by the entity-counter
// rebuild path (spec.md section 4.C step 4).
func PopCount(ctx context.Context, store cachestore.Store, metric, etype, eid string) (int64, error) {
	shardKeys, err := store.SMembers(ctx, ShardIndexKey(metric, etype, eid))
	if err != nil {
		return 0, fmt.Errorf("bitmap: list shards: %w", err)
	}
	var total int64
	for _, k := range shardKeys {
		c, err := store.BitCount(ctx, k)
		if err != nil {
			return 0, fmt.Errorf("bitmap: bitcount %s: %w", k, err)
		}
		total += c
	}
	return total, nil
}
