package classifier

import (
	"slices"
	"time"

	tsmath "github.com/Siddhant-K-code/topicshift/pkg/math"
)

// HistoryEntry is one committed (or buffered) message. Immutable once built.
type HistoryEntry struct {
	Tokens    []string  `json:"tokens"` // sorted, distinct
	Embedding []float32 `json:"embedding,omitempty"`
	At        time.Time `json:"at"`
}

// NewHistoryEntry builds an entry from a token set.
func NewHistoryEntry(set map[string]struct{}, embedding []float32, at time.Time) HistoryEntry {
	tokens := make([]string, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	slices.Sort(tokens)
	return HistoryEntry{Tokens: tokens, Embedding: embedding, At: at}
}

// SessionState is the per-session classification state.
type SessionState struct {
	History            []HistoryEntry `json:"history"`
	PendingSoftSignals int            `json:"pendingSoftSignals"`
	PendingEntries     []HistoryEntry `json:"pendingEntries,omitempty"`
	LastResetAt        time.Time      `json:"lastResetAt,omitzero"`
	TopicCentroid      []float32      `json:"topicCentroid,omitempty"`
	TopicCount         int            `json:"topicCount"`
	TopicDim           int            `json:"topicDim,omitempty"`
	LastSeenAt         time.Time      `json:"lastSeenAt"`
	PendingSteer       *SteerTicket   `json:"pendingSteer,omitempty"`
}

// Baseline is the union of tokens across retained history.
func (s *SessionState) Baseline() map[string]struct{} {
	baseline := make(map[string]struct{})
	for _, e := range s.History {
		for _, t := range e.Tokens {
			baseline[t] = struct{}{}
		}
	}
	return baseline
}

// Clone returns a deep copy. Entry slices are shared because entries are
// immutable.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.History = slices.Clone(s.History)
	c.PendingEntries = slices.Clone(s.PendingEntries)
	c.TopicCentroid = slices.Clone(s.TopicCentroid)
	if s.PendingSteer != nil {
		t := *s.PendingSteer
		c.PendingSteer = &t
	}
	return &c
}

// commit appends e to history, folds its embedding into the centroid, and
// trims history to window.
func (s *SessionState) commit(e HistoryEntry, window int) {
	s.History = append(s.History, e)
	if len(e.Embedding) > 0 {
		s.addToCentroid(e.Embedding)
	}
	if window > 0 && len(s.History) > window {
		s.History = slices.Clone(s.History[len(s.History)-window:])
	}
}

// settle merges buffered suspect entries back into history and clears the
// soft-signal counter.
func (s *SessionState) settle(window int) {
	for _, e := range s.PendingEntries {
		s.commit(e, window)
	}
	s.PendingEntries = nil
	s.PendingSoftSignals = 0
}

// reset starts a new topic from the buffered entries plus the trigger.
func (s *SessionState) reset(trigger HistoryEntry, window int, now time.Time) {
	seed := append(slices.Clone(s.PendingEntries), trigger)
	s.History = nil
	s.PendingEntries = nil
	s.PendingSoftSignals = 0
	s.TopicCentroid = nil
	s.TopicCount = 0
	s.TopicDim = 0
	s.PendingSteer = nil
	s.LastResetAt = now
	for _, e := range seed {
		s.commit(e, window)
	}
}

// buffer holds a suspect entry outside history, keeping at most limit.
func (s *SessionState) buffer(e HistoryEntry, limit int) {
	s.PendingEntries = append(s.PendingEntries, e)
	if limit > 0 && len(s.PendingEntries) > limit {
		s.PendingEntries = slices.Clone(s.PendingEntries[len(s.PendingEntries)-limit:])
	}
}

// addToCentroid updates the running mean. A dimension change restarts it.
func (s *SessionState) addToCentroid(v []float32) {
	if tsmath.IsDegenerate(v) {
		return
	}
	if s.TopicCount == 0 || s.TopicDim != len(v) || len(s.TopicCentroid) != len(v) {
		s.TopicCentroid = slices.Clone(v)
		s.TopicCount = 1
		s.TopicDim = len(v)
		return
	}
	s.TopicCount++
	n := float32(s.TopicCount)
	for i := range s.TopicCentroid {
		s.TopicCentroid[i] += (v[i] - s.TopicCentroid[i]) / n
	}
}

// similarity compares v with the centroid. ok is false when there is no
// usable semantic signal.
func (s *SessionState) similarity(v []float32) (float64, bool) {
	if s.TopicCount == 0 || len(v) == 0 || len(v) != s.TopicDim {
		return 0, false
	}
	return tsmath.CosineSimilarity(v, s.TopicCentroid)
}

// inCooldown reports whether now falls inside the post-rotation window.
func (s *SessionState) inCooldown(now time.Time, cooldown time.Duration) bool {
	if s.LastResetAt.IsZero() || cooldown <= 0 {
		return false
	}
	return now.Sub(s.LastResetAt) < cooldown
}
