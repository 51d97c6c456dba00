package classifier

import "time"

// SteerTicket is a one-shot clarification prompt. It moves
// armed -> injected -> replied, or expires.
type SteerTicket struct {
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Injected   bool      `json:"injected"`
	InjectedAt time.Time `json:"injectedAt,omitzero"`
	Replied    bool      `json:"replied"`
}

// Expired reports whether the ticket is past its TTL.
func (t *SteerTicket) Expired(now time.Time) bool {
	return t != nil && !now.Before(t.ExpiresAt)
}

// Live reports whether t exists and has not expired.
func (t *SteerTicket) Live(now time.Time) bool {
	return t != nil && !t.Expired(now)
}

// TryConsumeSteer hands out the clarification prompt at most once per
// ticket. It never mutates state; next is the state to store. When nothing
// is consumed and nothing expired, next is state itself.
func TryConsumeSteer(state *SessionState, now time.Time, prompt string) (string, bool, *SessionState) {
	if state == nil || state.PendingSteer == nil {
		return "", false, state
	}
	if state.PendingSteer.Expired(now) {
		next := state.Clone()
		next.PendingSteer = nil
		return "", false, next
	}
	if state.PendingSteer.Injected {
		return "", false, state
	}
	next := state.Clone()
	next.PendingSteer.Injected = true
	next.PendingSteer.InjectedAt = now
	return prompt, true, next
}

// arm creates a ticket unless a live one exists.
func (s *SessionState) arm(now time.Time, ttl time.Duration) {
	if s.PendingSteer.Live(now) {
		return
	}
	s.PendingSteer = &SteerTicket{CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

// observe records a message against the ticket: expiry clears it, and a
// user message after injection counts as the clarification reply.
func (s *SessionState) observe(role string, now time.Time) {
	t := s.PendingSteer
	if t == nil {
		return
	}
	if t.Expired(now) {
		s.PendingSteer = nil
		return
	}
	if role == RoleUser && t.Injected && !now.Before(t.InjectedAt) {
		t.Replied = true
	}
}

// withholds reports whether strict steering blocks a soft rotation. Only a
// live ticket that was injected and answered releases it; with no ticket the
// caller arms one and the rotation waits for the next confirmation.
func (c Config) withholds(s *SessionState, now time.Time) bool {
	if !c.Steer.Enabled || c.Steer.Mode != SteerStrict {
		return false
	}
	t := s.PendingSteer
	return !t.Live(now) || !t.Injected || !t.Replied
}
