package classifier

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(DefaultStoreConfig())
	s.Put("k", &SessionState{PendingSoftSignals: 1, LastSeenAt: baseTime})

	got, ok := s.Get("k")
	require.True(t, ok)
	got.PendingSoftSignals = 7

	again, _ := s.Get("k")
	assert.Equal(t, 1, again.PendingSoftSignals)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestMemoryStoreEvictTTL(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(StoreConfig{TTL: time.Hour})
	s.Put("idle", &SessionState{LastSeenAt: baseTime.Add(-2 * time.Hour)})
	s.Put("fresh", &SessionState{LastSeenAt: baseTime.Add(-time.Minute)})

	evicted := s.Evict(baseTime)
	assert.Equal(t, []string{"idle"}, evicted)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreEvictCapacity(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(StoreConfig{MaxSessions: 3})
	for i := 0; i < 5; i++ {
		s.Put(fmt.Sprintf("k%d", i), &SessionState{LastSeenAt: baseTime.Add(time.Duration(i) * time.Minute)})
	}

	evicted := s.Evict(baseTime.Add(time.Hour))
	assert.Equal(t, []string{"k0", "k1"}, evicted)
	assert.Equal(t, 3, s.Len())

	snap := s.Snapshot()
	assert.Contains(t, snap, "k4")
	assert.NotContains(t, snap, "k0")
}

func TestMemoryStoreDelete(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(StoreConfig{})
	s.Put("k", &SessionState{})
	s.Put("nil", nil)
	s.Delete("k")
	assert.Zero(t, s.Len())
}

func TestTryConsumeSteer(t *testing.T) {
	t.Parallel()

	st := &SessionState{PendingSteer: &SteerTicket{CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Minute)}}

	prompt, ok, next := TryConsumeSteer(st, baseTime.Add(10*time.Second), "clarify")
	require.True(t, ok)
	assert.Equal(t, "clarify", prompt)
	assert.True(t, next.PendingSteer.Injected)
	assert.False(t, st.PendingSteer.Injected, "input state is not mutated")

	_, ok, again := TryConsumeSteer(next, baseTime.Add(20*time.Second), "clarify")
	assert.False(t, ok, "a ticket is consumed once")
	assert.Same(t, next, again)

	_, ok, expired := TryConsumeSteer(st, baseTime.Add(2*time.Minute), "clarify")
	assert.False(t, ok)
	assert.Nil(t, expired.PendingSteer)
	assert.NotNil(t, st.PendingSteer)

	_, ok, none := TryConsumeSteer(&SessionState{}, baseTime, "clarify")
	assert.False(t, ok)
	assert.NotNil(t, none)
}
