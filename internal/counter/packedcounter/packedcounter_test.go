package packedcounter

import (
	"encoding/binary"
	"testing"

	"knowengage/internal/counter/schema"
)

func TestDecode_ValidBlob(t *testing.T) {
	var vals [schema.Len]uint32
	vals[schema.EntityLike-1] = 7
	vals[schema.EntityFav-1] = 3
	blob := EncodeFull(vals)

	got, needsRebuild := Decode(blob, []int{schema.EntityLike, schema.EntityFav})
	if needsRebuild {
		t.Fatalf("expected no rebuild for a valid blob")
	}
	if got[schema.EntityLike] != 7 || got[schema.EntityFav] != 3 {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestDecode_ShortBlobTriggersRebuild(t *testing.T) {
	got, needsRebuild := Decode([]byte{1, 2, 3}, []int{schema.EntityLike})
	if !needsRebuild {
		t.Fatalf("expected rebuild for malformed length")
	}
	if got[schema.EntityLike] != 0 {
		t.Fatalf("expected zero value on short blob, got %d", got[schema.EntityLike])
	}
}

func TestDecode_MissingBlobIsZero(t *testing.T) {
	got, needsRebuild := Decode(nil, []int{schema.EntityLike, schema.EntityFav})
	if !needsRebuild {
		t.Fatalf("expected rebuild for missing blob")
	}
	if got[schema.EntityLike] != 0 || got[schema.EntityFav] != 0 {
		t.Fatalf("expected zero values, got %+v", got)
	}
}

func TestEncodeFull_RoundTrip(t *testing.T) {
	var vals [schema.Len]uint32
	for i := range vals {
		vals[i] = uint32(i*1000 + 1)
	}
	blob := EncodeFull(vals)
	if len(blob) != schema.BlobSize {
		t.Fatalf("expected %d bytes, got %d", schema.BlobSize, len(blob))
	}
	for i, want := range vals {
		got := binary.BigEndian.Uint32(blob[i*schema.FieldSize:])
		if got != want {
			t.Fatalf("segment %d: want %d got %d", i, want, got)
		}
	}
}

func TestZeroBlob(t *testing.T) {
	b := ZeroBlob()
	if len(b) != schema.BlobSize {
		t.Fatalf("expected %d bytes", schema.BlobSize)
	}
	for _, bb := range b {
		if bb != 0 {
			t.Fatalf("expected all-zero buffer")
		}
	}
}
