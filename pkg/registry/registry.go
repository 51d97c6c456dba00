// Package registry rotates entries in a host-owned session registry: a JSON
// object mapping session keys to entry objects. Entries are read and written
// under the registry's lock file; fields this package does not own are
// carried through untouched.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/topicshift/pkg/storage"
)

// Common errors.
var (
	ErrEntryNotFound = errors.New("session entry not found")
	ErrEmptyKey      = errors.New("session key is required")
	ErrEmptyPath     = errors.New("registry path is required")
)

// Entry field names this package reads or resets.
const (
	FieldSessionID      = "sessionId"
	FieldUpdatedAt      = "updatedAt"
	FieldSessionFile    = "sessionFile"
	FieldInputTokens    = "inputTokens"
	FieldOutputTokens   = "outputTokens"
	FieldTotalTokens    = "totalTokens"
	FieldContextTokens  = "contextTokens"
	FieldAbortedLastRun = "abortedLastRun"
	FieldSystemSent     = "systemSent"
)

var counterFields = []string{FieldInputTokens, FieldOutputTokens, FieldTotalTokens, FieldContextTokens}
var flagFields = []string{FieldAbortedLastRun, FieldSystemSent}

// Config holds registry configuration.
type Config struct {
	Lock storage.LockConfig `json:"lock"`

	// FileMode for rewritten registry files. Default: 0600.
	FileMode os.FileMode `json:"file_mode"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Lock:     storage.DefaultLockConfig(),
		FileMode: 0o600,
	}
}

// RotateRequest is the input for a rotation.
type RotateRequest struct {
	Path       string    `json:"path"`
	SessionKey string    `json:"session_key"`
	DryRun     bool      `json:"dry_run,omitempty"`
	Now        time.Time `json:"-"` // default time.Now
}

// RotateResult is the output of a rotation.
type RotateResult struct {
	SessionKey   string `json:"session_key"` // key as stored in the registry
	OldSessionID string `json:"old_session_id,omitempty"`
	NewSessionID string `json:"new_session_id"`

	// Transcript is the previous session's transcript path, if known.
	Transcript string `json:"transcript,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// Registry performs locked read-modify-write cycles on registry files.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

// New creates a Registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o600
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, logger: logger, paths: make(map[string]*sync.Mutex)}
}

// pathMutex serializes goroutines in this process before they contend on
// the lock file.
func (r *Registry) pathMutex(path string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.paths[path]
	if !ok {
		m = &sync.Mutex{}
		r.paths[path] = m
	}
	return m
}

// Update runs fn on the decoded registry under lock and writes the result
// back atomically when fn reports a change. A missing or corrupt file is
// presented as empty; a corrupt file is never overwritten.
func (r *Registry) Update(ctx context.Context, path string, fn func(entries map[string]json.RawMessage) (bool, error)) error {
	if path == "" {
		return ErrEmptyPath
	}
	m := r.pathMutex(path)
	m.Lock()
	defer m.Unlock()

	return storage.WithLock(ctx, path, r.cfg.Lock, func() error {
		entries, corrupt, err := Load(path)
		if err != nil {
			return err
		}
		if corrupt {
			r.logger.Warn("topic-shift registry unreadable, treating as empty", zap.String("path", path))
		}
		changed, err := fn(entries)
		if err != nil || !changed {
			return err
		}
		if corrupt {
			return fmt.Errorf("refusing to overwrite corrupt registry %s", path)
		}
		return r.write(path, entries)
	})
}

// Rotate gives the entry for req.SessionKey a fresh session id and resets
// its counters. A missing entry yields ErrEntryNotFound.
func (r *Registry) Rotate(ctx context.Context, req RotateRequest) (*RotateResult, error) {
	if req.SessionKey == "" {
		return nil, ErrEmptyKey
	}
	if req.Path == "" {
		return nil, ErrEmptyPath
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	res := &RotateResult{NewSessionID: uuid.NewString(), DryRun: req.DryRun}

	if req.DryRun {
		// Read-only peek for reporting; no lock, no write.
		entries, _, err := Load(req.Path)
		if err == nil {
			if key, ok := MatchKey(entries, req.SessionKey); ok {
				res.SessionKey = key
				res.OldSessionID, res.Transcript = describe(entries[key], req.Path)
			}
		}
		if res.SessionKey == "" {
			res.SessionKey = req.SessionKey
		}
		return res, nil
	}

	err := r.Update(ctx, req.Path, func(entries map[string]json.RawMessage) (bool, error) {
		key, ok := MatchKey(entries, req.SessionKey)
		if !ok {
			return false, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, req.SessionKey, req.Path)
		}
		fields, err := decodeEntry(entries[key])
		if err != nil {
			return false, fmt.Errorf("decode entry %s: %w", key, err)
		}

		res.SessionKey = key
		res.OldSessionID, res.Transcript = describe(entries[key], req.Path)

		fields[FieldSessionID] = res.NewSessionID
		fields[FieldUpdatedAt] = now.UnixMilli()
		for _, f := range counterFields {
			fields[f] = 0
		}
		for _, f := range flagFields {
			fields[f] = false
		}
		delete(fields, FieldSessionFile)

		raw, err := json.Marshal(fields)
		if err != nil {
			return false, fmt.Errorf("encode entry %s: %w", key, err)
		}
		entries[key] = raw
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Entry returns the decoded entry for key, matching case-insensitively when
// there is no exact match.
func (r *Registry) Entry(path, key string) (map[string]any, error) {
	entries, _, err := Load(path)
	if err != nil {
		return nil, err
	}
	matched, ok := MatchKey(entries, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	return decodeEntry(entries[matched])
}

// Load reads a registry file. A missing file is empty; an undecodable one is
// empty with corrupt set.
func Load(path string) (entries map[string]json.RawMessage, corrupt bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]json.RawMessage{}, false, nil
		}
		return nil, false, fmt.Errorf("read registry: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]json.RawMessage{}, false, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil || entries == nil {
		return map[string]json.RawMessage{}, true, nil
	}
	return entries, false, nil
}

// MatchKey finds key in entries, falling back to a case-insensitive match.
func MatchKey(entries map[string]json.RawMessage, key string) (string, bool) {
	if _, ok := entries[key]; ok {
		return key, true
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, key) {
			return k, true
		}
	}
	return "", false
}

// ArchiveTranscript renames a finished transcript to <path>.reset.<ts>.
// A missing transcript is not an error and yields "".
func ArchiveTranscript(path string, now time.Time) (string, error) {
	if path == "" {
		return "", nil
	}
	archived := path + ".reset." + now.UTC().Format("2006-01-02T15-04-05.000Z")
	if err := os.Rename(path, archived); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("archive transcript: %w", err)
	}
	return archived, nil
}

func (r *Registry) write(path string, entries map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := storage.AtomicWriteFile(path, append(data, '\n'), r.cfg.FileMode); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func decodeEntry(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// describe extracts the session id and transcript path of an entry. Without
// an explicit sessionFile the transcript is <dir>/<sessionId>.jsonl.
func describe(raw json.RawMessage, registryPath string) (sessionID, transcript string) {
	var e struct {
		SessionID   string `json:"sessionId"`
		SessionFile string `json:"sessionFile"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", ""
	}
	switch {
	case e.SessionFile != "" && filepath.IsAbs(e.SessionFile):
		transcript = e.SessionFile
	case e.SessionFile != "":
		transcript = filepath.Join(filepath.Dir(registryPath), e.SessionFile)
	case e.SessionID != "":
		transcript = filepath.Join(filepath.Dir(registryPath), e.SessionID+".jsonl")
	}
	return e.SessionID, transcript
}
