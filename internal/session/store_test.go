package session

import (
	"testing"
	"time"

	"github.com/abiroot/ispbot/internal/log"
)

// fakeClock returns a now() func that advances by step on each call.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		t := current
		current = current.Add(step)
		return t
	}
}

func TestSetMergesPartialWrites(t *testing.T) {
	t.Parallel()

	store := NewStore(0, log.NewNop())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = fakeClock(t0, time.Second)

	store.Set("u1", map[string]any{"a": 1})
	store.Set("u1", map[string]any{"b": 2})

	sess, ok := store.Get("u1")
	if !ok {
		t.Fatal("session not found after Set")
	}
	if sess.Fields["a"] != 1 || sess.Fields["b"] != 2 {
		t.Errorf("fields = %v, want a:1 b:2", sess.Fields)
	}
	if !sess.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want first-write time %v", sess.CreatedAt, t0)
	}
	if !sess.LastUpdatedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("LastUpdatedAt = %v, want %v", sess.LastUpdatedAt, t0.Add(time.Second))
	}
}

func TestCreatedAtSetExactlyOnce(t *testing.T) {
	t.Parallel()

	store := NewStore(0, log.NewNop())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = fakeClock(t0, time.Minute)

	for i := 0; i < 10; i++ {
		store.Set("u1", map[string]any{"n": i})
	}

	sess, _ := store.Get("u1")
	if !sess.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v after 10 writes, want %v", sess.CreatedAt, t0)
	}
	if sess.Fields["n"] != 9 {
		t.Errorf("n = %v, want last write 9", sess.Fields["n"])
	}
}

func TestSetLaterKeysWin(t *testing.T) {
	t.Parallel()

	store := NewStore(0, log.NewNop())
	store.Set("u1", map[string]any{"x": "old", "y": "kept"})
	store.Set("u1", map[string]any{"x": "new"})

	sess, _ := store.Get("u1")
	if sess.Fields["x"] != "new" {
		t.Errorf("x = %v, want new", sess.Fields["x"])
	}
	if sess.Fields["y"] != "kept" {
		t.Errorf("y = %v, want kept (non-overlapping write clobbered)", sess.Fields["y"])
	}
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	store := NewStore(0, log.NewNop())
	store.Set("u1", map[string]any{"a": 1})

	sess, _ := store.Get("u1")
	sess.Fields["a"] = 99

	again, _ := store.Get("u1")
	if again.Fields["a"] != 1 {
		t.Error("mutating the returned bag leaked into the store")
	}
}

func TestGetField(t *testing.T) {
	t.Parallel()

	store := NewStore(0, log.NewNop())
	store.Set("u1", map[string]any{"lang": "en"})

	if v, ok := store.GetField("u1", "lang"); !ok || v != "en" {
		t.Errorf("GetField = %v, %v; want en, true", v, ok)
	}
	if _, ok := store.GetField("u1", "missing"); ok {
		t.Error("GetField returned ok for absent field")
	}
	if _, ok := store.GetField("nobody", "lang"); ok {
		t.Error("GetField returned ok for absent session")
	}
}

func TestClearAndSize(t *testing.T) {
	t.Parallel()

	store := NewStore(0, log.NewNop())
	store.Set("u1", map[string]any{"a": 1})
	store.Set("u2", map[string]any{"b": 2})

	if got := store.Size(); got != 2 {
		t.Fatalf("Size = %d, want 2", got)
	}

	store.Clear("u1")
	if store.Has("u1") {
		t.Error("u1 still present after Clear")
	}
	store.Clear("u1") // no-op on absent key

	store.ClearAll()
	if got := store.Size(); got != 0 {
		t.Errorf("Size after ClearAll = %d, want 0", got)
	}
}

func TestExpiredSessionInvisibleBeforeSweep(t *testing.T) {
	t.Parallel()

	store := NewStore(10*time.Minute, log.NewNop())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	store.Set("u1", map[string]any{"a": 1})

	// Idle past the TTL but not yet swept: reads must not serve it.
	store.now = func() time.Time { return base.Add(11 * time.Minute) }
	if store.Has("u1") {
		t.Error("Has reports an expired session")
	}
	if _, ok := store.Get("u1"); ok {
		t.Error("Get returned an expired session")
	}
	if _, ok := store.GetField("u1", "a"); ok {
		t.Error("GetField returned a field from an expired session")
	}

	// A write after expiry starts a fresh session instead of merging
	// into the dead bag.
	store.Set("u1", map[string]any{"b": 2})
	sess, ok := store.Get("u1")
	if !ok {
		t.Fatal("session not found after post-expiry write")
	}
	if _, stale := sess.Fields["a"]; stale {
		t.Error("post-expiry write resurrected stale fields")
	}
	if !sess.CreatedAt.Equal(base.Add(11 * time.Minute)) {
		t.Errorf("CreatedAt = %v, want reset at post-expiry write", sess.CreatedAt)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	t.Parallel()

	store := NewStore(10*time.Minute, log.NewNop())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	store.Set("stale", map[string]any{"a": 1})

	store.now = func() time.Time { return base.Add(9 * time.Minute) }
	store.Set("fresh", map[string]any{"b": 2})

	// 15 minutes after base: "stale" idle 15m (> TTL), "fresh" idle 6m.
	store.now = func() time.Time { return base.Add(15 * time.Minute) }
	if evicted := store.Sweep(); evicted != 1 {
		t.Fatalf("Sweep evicted %d, want 1", evicted)
	}
	if store.Has("stale") {
		t.Error("stale session survived sweep")
	}
	if !store.Has("fresh") {
		t.Error("fresh session evicted by sweep")
	}
}
