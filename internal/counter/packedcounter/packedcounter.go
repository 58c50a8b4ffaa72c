// Package packedcounter implements the fixed-layout packed counter blob
// (spec.md section 4.A): a schemaLen*fieldSize byte string of big-endian
// unsigned 32-bit segments, saturating at [0, 2^32-1], with an atomic
// per-segment add executed server-side via a Lua script.
package packedcounter

import (
	"context"
	"encoding/binary"
	"fmt"

	"knowengage/internal/counter/schema"
	"knowengage/internal/platform/cachestore"
)

// Decode reads the blob and returns the value of each requested 1-based
// index. A blob whose length is not exactly schema.BlobSize (missing,
// short or oversized) is treated as all-zero and needsRebuild is true (spec: "Missing/short -> treated as all-zero,
// triggers rebuild").
func Decode(blob []byte, indices []int) (values map[int]uint32, needsRebuild bool) {
	values = make(map[int]uint32, len(indices))
	if len(blob) != schema.BlobSize {
		for _, idx := range indices {
			values[idx] = 0
		}
		return values, true
	}
	for _, idx := range indices {
		off := (idx - 1) * schema.FieldSize
		values[idx] = binary.BigEndian.Uint32(blob[off : off+schema.FieldSize])
	}
	return values, false
}

// ZeroBlob allocates a fresh all-zero buffer of schema.BlobSize bytes.
func ZeroBlob() []byte {
	return make([]byte, schema.BlobSize)
}

// EncodeFull writes all schema.Len segments (in 1-based index order) into a
// fresh blob. len(values) must equal schema.Len.
func EncodeFull(values [schema.Len]uint32) []byte {
	b := ZeroBlob()
	for i, v := range values {
		binary.BigEndian.PutUint32(b[i*schema.FieldSize:], v)
	}
	return b
}

// Get reads the raw blob for key. found is false if the key is absent.
func Get(ctx context.Context, store cachestore.Store, key string) (blob []byte, found bool, err error) {
	v, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return []byte(v), true, nil
}

// AddSegment atomically adds delta (can be negative) to the 1-based segment
// idx of the blob at key, allocating a zero buffer if absent, clamping to
// zero on negative overflow and to 2^32-1 on positive overflow, and
// returns the new segment value. This is the server-side script described
// in spec.md section 4.A.
func AddSegment(ctx context.Context, store cachestore.Store, key string, idx int, delta int64) (uint32, error) {
	n, err := store.AddSegment(ctx, key, schema.Len, schema.FieldSize, idx, delta)
	if err != nil {
		return 0, fmt.Errorf("packedcounter: add segment: %w", err)
	}
	return n, nil
}

// SetFull overwrites the entire blob in a single SET, preserving nothing —
// callers that must preserve other segments read-modify-write with Get.
func SetFull(ctx context.Context, store cachestore.Store, key string, blob []byte) error {
	return store.Set(ctx, key, string(blob), 0)
}
