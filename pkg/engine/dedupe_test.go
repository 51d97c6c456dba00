package engine

import (
	"sync"
	"testing"
	"time"
)

func TestDedupeWindow(t *testing.T) {
	t.Parallel()

	d := NewDedupe(30 * time.Second)
	key := DedupeKey("agent:main:telegram:42", "abc")
	if key != "agent:main:telegram:42:abc" {
		t.Errorf("unexpected key %s", key)
	}

	if d.Seen(key, baseTime) {
		t.Error("unrecorded key reported as seen")
	}
	d.Record(key, baseTime)
	if !d.Seen(key, baseTime.Add(30*time.Second)) {
		t.Error("key should be seen at the window edge")
	}
	if d.Seen(key, baseTime.Add(31*time.Second)) {
		t.Error("key should expire after the window")
	}
	if snap := d.Snapshot(); len(snap) != 0 {
		t.Errorf("expired entries are dropped on lookup, got %v", snap)
	}
}

func TestDedupePruneAndRestore(t *testing.T) {
	t.Parallel()

	d := NewDedupe(time.Minute)
	d.Record("old", baseTime.Add(-time.Hour))
	d.Record("new", baseTime)
	if n := d.Prune(baseTime); n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if snap := d.Snapshot(); len(snap) != 1 || !snap["new"].Equal(baseTime) {
		t.Errorf("unexpected snapshot after prune: %v", snap)
	}

	d.Restore(map[string]time.Time{
		"new":      baseTime.Add(-time.Second), // older, ignored
		"restored": baseTime,
	})
	snap := d.Snapshot()
	if !snap["new"].Equal(baseTime) {
		t.Errorf("restore overwrote a newer entry: %v", snap["new"])
	}
	if !snap["restored"].Equal(baseTime) {
		t.Errorf("restored entry missing: %v", snap)
	}
}

func TestKeyLocksSerializeAndCleanUp(t *testing.T) {
	t.Parallel()

	k := newKeyLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("same")
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected one holder at a time, saw %d", maxSeen)
	}
	if n := k.len(); n != 0 {
		t.Errorf("expected lock table cleaned up, %d left", n)
	}
}
