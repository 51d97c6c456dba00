// Package persist saves and restores classifier state across restarts.
//
// The snapshot is a single versioned JSON document. A snapshot whose version
// differs from SchemaVersion is discarded whole; it is never partially
// trusted.
package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Siddhant-K-code/topicshift/pkg/classifier"
	"github.com/Siddhant-K-code/topicshift/pkg/storage"
)

// SchemaVersion is the snapshot format this build reads and writes.
const SchemaVersion = 1

// Common errors.
var (
	ErrVersionMismatch = errors.New("snapshot version mismatch")
	ErrCorrupt         = errors.New("snapshot is corrupt")
)

// Snapshot is the persisted document.
type Snapshot struct {
	Version                  int                                `json:"version"`
	SavedAt                  time.Time                          `json:"savedAt"`
	SessionStateBySessionKey map[string]*classifier.SessionState `json:"sessionStateBySessionKey"`
	RecentRotationBySession  map[string]time.Time               `json:"recentRotationBySession"`
}

// NewSnapshot returns an empty snapshot at the current version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:                  SchemaVersion,
		SessionStateBySessionKey: map[string]*classifier.SessionState{},
		RecentRotationBySession:  map[string]time.Time{},
	}
}

// DefaultPath is the snapshot location under a state directory.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "topic-shift", "state.json")
}

// Load reads the snapshot at path. A missing file yields an empty snapshot.
// A version mismatch or undecodable document yields ErrVersionMismatch or
// ErrCorrupt; callers start cold.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewSnapshot(), nil
	}

	var head struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if head.Version == nil {
		return nil, fmt.Errorf("%w: missing version", ErrVersionMismatch)
	}
	if *head.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, *head.Version, SchemaVersion)
	}

	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.SessionStateBySessionKey == nil {
		snap.SessionStateBySessionKey = map[string]*classifier.SessionState{}
	}
	if snap.RecentRotationBySession == nil {
		snap.RecentRotationBySession = map[string]time.Time{}
	}
	for k, st := range snap.SessionStateBySessionKey {
		if st == nil {
			delete(snap.SessionStateBySessionKey, k)
		}
	}
	return snap, nil
}

// Save writes snap atomically, stamping version and save time.
func Save(path string, snap *Snapshot) error {
	if snap == nil {
		snap = NewSnapshot()
	}
	snap.Version = SchemaVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := storage.AtomicWriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
