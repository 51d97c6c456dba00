package classifier

import (
	"sort"
	"sync"
	"time"
)

// Store holds SessionState per session key.
//
// Get returns a private copy; callers mutate it and Put it back. Stored
// values are never mutated in place, so Snapshot may hand them out.
type Store interface {
	Get(key string) (*SessionState, bool)
	Put(key string, state *SessionState)
	Delete(key string)
	Evict(now time.Time) []string
	Len() int
	Snapshot() map[string]*SessionState
}

// StoreConfig bounds the session store.
type StoreConfig struct {
	// MaxSessions caps tracked sessions. 0 = unbounded. Default: 5000.
	MaxSessions int `json:"max_sessions"`

	// TTL evicts sessions idle longer than this. 0 = never. Default: 24h.
	TTL time.Duration `json:"ttl"`
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxSessions: 5000,
		TTL:         24 * time.Hour,
	}
}

// MemoryStore is a map-backed Store with TTL and capacity eviction.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState
	cfg      StoreConfig
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(cfg StoreConfig) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionState),
		cfg:      cfg,
	}
}

// Get returns a copy of the state for key.
func (m *MemoryStore) Get(key string) (*SessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[key]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// Put stores state for key. The caller must not mutate state afterwards.
func (m *MemoryStore) Put(key string, state *SessionState) {
	if state == nil {
		return
	}
	m.mu.Lock()
	m.sessions[key] = state
	m.mu.Unlock()
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot returns the current states keyed by session key.
func (m *MemoryStore) Snapshot() map[string]*SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*SessionState, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out
}

// Evict drops idle sessions, then the least recently seen until the store
// is within MaxSessions. It returns the evicted keys.
func (m *MemoryStore) Evict(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	if m.cfg.TTL > 0 {
		cutoff := now.Add(-m.cfg.TTL)
		for k, st := range m.sessions {
			if st.LastSeenAt.Before(cutoff) {
				delete(m.sessions, k)
				evicted = append(evicted, k)
			}
		}
	}

	if m.cfg.MaxSessions > 0 && len(m.sessions) > m.cfg.MaxSessions {
		type aged struct {
			key  string
			seen time.Time
		}
		all := make([]aged, 0, len(m.sessions))
		for k, st := range m.sessions {
			all = append(all, aged{k, st.LastSeenAt})
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].seen.Equal(all[j].seen) {
				return all[i].key < all[j].key
			}
			return all[i].seen.Before(all[j].seen)
		})
		for _, a := range all[:len(all)-m.cfg.MaxSessions] {
			delete(m.sessions, a.key)
			evicted = append(evicted, a.key)
		}
	}

	sort.Strings(evicted)
	return evicted
}
