package engine

import (
	"maps"
	"sync"
	"time"
)

// Dedupe suppresses repeat rotations for the same session and message
// content inside a short window. Two delivery paths can report the same
// logical message; only the first may rotate.
type Dedupe struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewDedupe creates a dedupe map with the given window.
func NewDedupe(window time.Duration) *Dedupe {
	return &Dedupe{window: window, seen: make(map[string]time.Time)}
}

// DedupeKey combines a session key with a message fingerprint.
func DedupeKey(sessionKey, fingerprint string) string {
	return sessionKey + ":" + fingerprint
}

// Seen reports whether key was recorded within the window before now.
func (d *Dedupe) Seen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[key]
	if !ok {
		return false
	}
	if now.Sub(at) > d.window {
		delete(d.seen, key)
		return false
	}
	return true
}

// Record marks key as rotated at now.
func (d *Dedupe) Record(key string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = now
}

// Prune drops entries older than the window and returns how many were removed.
func (d *Dedupe) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the map for persistence.
func (d *Dedupe) Snapshot() map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.seen)
}

// Restore merges persisted entries, keeping the newer timestamp per key.
func (d *Dedupe) Restore(entries map[string]time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range entries {
		if cur, ok := d.seen[k]; !ok || at.After(cur) {
			d.seen[k] = at
		}
	}
}

// keyLocks serializes work per session key. Entries are reference counted
// and removed when unused, so the map stays bounded by in-flight keys.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: make(map[string]*keyLock)}
}

// lock blocks until key is free and returns its unlock function.
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
