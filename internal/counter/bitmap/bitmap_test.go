package bitmap

import "testing"

func TestLocate_ChunkEdges(t *testing.T) {
	// spec.md section 8: uid 32767 -> chunk 0 bit 32767; uid 32768 -> chunk 1 bit 0.
	if c, b := Locate(32767); c != 0 || b != 32767 {
		t.Fatalf("uid 32767: want chunk 0 bit 32767, got chunk %d bit %d", c, b)
	}
	if c, b := Locate(32768); c != 1 || b != 0 {
		t.Fatalf("uid 32768: want chunk 1 bit 0, got chunk %d bit %d", c, b)
	}
}

func TestShardKey_Shape(t *testing.T) {
	got := ShardKey("like", "knowpost", "100", 0)
	want := "bm:like:knowpost:100:0"
	if got != want {
		t.Fatalf("want %q got %q", want, got)
	}
}

func TestDeltaFor(t *testing.T) {
	if deltaFor(OpAdd) != 1 {
		t.Fatalf("add should be +1")
	}
	if deltaFor(OpRemove) != -1 {
		t.Fatalf("remove should be -1")
	}
}
