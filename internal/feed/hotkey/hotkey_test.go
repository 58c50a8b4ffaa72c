package hotkey

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		WindowSeconds:  60,
		SegmentSeconds: 10,
		LevelLow:       2,
		LevelMedium:    5,
		LevelHigh:      10,
		ExtendLow:      20,
		ExtendMedium:   60,
		ExtendHigh:     120,
	}
}

func TestRecordAndLevel_CrossesThresholds(t *testing.T) {
	d := New(testConfig())

	if d.Level("k") != LevelNone {
		t.Fatalf("expected LevelNone for unseen key, got %v", d.Level("k"))
	}

	for i := 0; i < 2; i++ {
		d.Record("k")
	}
	if d.Level("k") != LevelLow {
		t.Fatalf("expected LevelLow at heat 2, got %v", d.Level("k"))
	}

	for i := 0; i < 3; i++ {
		d.Record("k")
	}
	if d.Level("k") != LevelMedium {
		t.Fatalf("expected LevelMedium at heat 5, got %v", d.Level("k"))
	}

	for i := 0; i < 5; i++ {
		d.Record("k")
	}
	if d.Level("k") != LevelHigh {
		t.Fatalf("expected LevelHigh at heat 10, got %v", d.Level("k"))
	}
}

func TestTTLForPublic_ExtendsByLevel(t *testing.T) {
	d := New(testConfig())
	base := 10 * time.Second

	if got := d.TTLForPublic(base, "cold"); got != base {
		t.Fatalf("expected unextended base TTL for cold key, got %v", got)
	}

	for i := 0; i < 10; i++ {
		d.Record("hot")
	}
	want := base + 120*time.Second
	if got := d.TTLForPublic(base, "hot"); got != want {
		t.Fatalf("expected %v for a high-heat key, got %v", want, got)
	}
}

func TestRotate_AgesOutOldSegments(t *testing.T) {
	d := New(testConfig())
	for i := 0; i < 10; i++ {
		d.Record("k")
	}
	if d.Heat("k") != 10 {
		t.Fatalf("expected heat 10 before rotation, got %d", d.Heat("k"))
	}

	for i := 0; i < d.segments; i++ {
		d.rotate()
	}
	if d.Heat("k") != 0 {
		t.Fatalf("expected heat 0 after a full cycle of rotations, got %d", d.Heat("k"))
	}
}
