// Package audit keeps a durable log of rotation attempts so operators can see
// which sessions rotated, why, and whether the registry write succeeded.
package audit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrInvalidRecord = errors.New("rotation record requires a session key")
)

// Outcome of a rotation attempt.
const (
	OutcomeRotated  = "rotated"
	OutcomeFailed   = "failed"
	OutcomeDryRun   = "dry_run"
	OutcomeNotFound = "not_found"
)

// Rotation is one logged rotation attempt.
type Rotation struct {
	ID            int64     `json:"id"`
	SessionKey    string    `json:"session_key"`
	AgentID       string    `json:"agent_id"`
	OldSessionID  string    `json:"old_session_id,omitempty"`
	NewSessionID  string    `json:"new_session_id,omitempty"`
	Decision      string    `json:"decision"` // rotate-soft or rotate-hard
	Score         float64   `json:"score"`
	Novelty       float64   `json:"novelty"`
	Similarity    *float64  `json:"similarity,omitempty"`
	UsedEmbedding bool      `json:"used_embedding"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"` // error text for failures
	HandoffQueued bool      `json:"handoff_queued"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListRequest filters List.
type ListRequest struct {
	SessionKey string    `json:"session_key,omitempty"`
	Since      time.Time `json:"since,omitzero"`
	Limit      int       `json:"limit,omitempty"` // default 50
}

// Stats summarizes the log.
type Stats struct {
	Total     int            `json:"total"`
	ByOutcome map[string]int `json:"by_outcome"`
	Sessions  int            `json:"sessions"`
	Oldest    time.Time      `json:"oldest,omitzero"`
	Newest    time.Time      `json:"newest,omitzero"`
}

// Store is the interface for audit backends.
type Store interface {
	Record(ctx context.Context, r Rotation) (int64, error)
	List(ctx context.Context, req ListRequest) ([]Rotation, error)
	Stats(ctx context.Context) (*Stats, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Config holds audit configuration.
type Config struct {
	// Retention drops records older than this. 0 = keep forever. Default: 30 days.
	Retention time.Duration

	// PruneInterval is how often the retention worker runs. Default: 1h.
	PruneInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention:     30 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}
