package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// RecoveredKeyPrefix namespaces synthesized entries: agent:<agent>:recovered:<stem>.
const RecoveredKeyPrefix = "recovered"

// RecoverResult reports one recovery scan.
type RecoverResult struct {
	Path      string   `json:"path"`
	Skipped   bool     `json:"skipped,omitempty"` // already scanned this process
	Scanned   int      `json:"scanned"`
	Recovered []string `json:"recovered,omitempty"` // new registry keys
}

// Recoverer re-links transcripts that exist next to a registry but have no
// entry in it. Each registry path is scanned at most once per process.
type Recoverer struct {
	reg    *Registry
	logger *zap.Logger

	mu   sync.Mutex
	done map[string]struct{}
}

// NewRecoverer creates a Recoverer that writes through reg.
func NewRecoverer(reg *Registry, logger *zap.Logger) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recoverer{reg: reg, logger: logger, done: make(map[string]struct{})}
}

// RecoveredKey builds the registry key for an orphan transcript.
func RecoveredKey(agentID, stem string) string {
	if agentID == "" {
		agentID = "main"
	}
	return "agent:" + agentID + ":" + RecoveredKeyPrefix + ":" + stem
}

// RecoverOnce scans the registry's directory for orphan transcripts and adds
// an entry for each. Later calls for the same path are no-ops.
func (rc *Recoverer) RecoverOnce(ctx context.Context, registryPath, agentID string) (*RecoverResult, error) {
	abs, err := filepath.Abs(registryPath)
	if err != nil {
		abs = registryPath
	}

	rc.mu.Lock()
	if _, seen := rc.done[abs]; seen {
		rc.mu.Unlock()
		return &RecoverResult{Path: registryPath, Skipped: true}, nil
	}
	rc.done[abs] = struct{}{}
	rc.mu.Unlock()

	res, err := rc.recover(ctx, registryPath, agentID)
	if err != nil {
		rc.logger.Warn("topic-shift recover failed",
			zap.String("path", registryPath),
			zap.Error(err),
		)
		return nil, err
	}
	if len(res.Recovered) > 0 {
		rc.logger.Info("topic-shift recover",
			zap.String("path", registryPath),
			zap.Int("scanned", res.Scanned),
			zap.Strings("recovered", res.Recovered),
		)
	}
	return res, nil
}

func (rc *Recoverer) recover(ctx context.Context, registryPath, agentID string) (*RecoverResult, error) {
	res := &RecoverResult{Path: registryPath}
	dir := filepath.Dir(registryPath)

	candidates, err := transcripts(dir)
	if err != nil {
		return nil, err
	}
	res.Scanned = len(candidates)
	if len(candidates) == 0 {
		return res, nil
	}

	err = rc.reg.Update(ctx, registryPath, func(entries map[string]json.RawMessage) (bool, error) {
		referenced := make(map[string]struct{}, len(entries))
		for _, raw := range entries {
			id, transcript := describe(raw, registryPath)
			if transcript != "" {
				referenced[filepath.Clean(transcript)] = struct{}{}
			}
			if id != "" {
				referenced[filepath.Join(dir, id+".jsonl")] = struct{}{}
			}
		}

		changed := false
		for _, path := range candidates {
			if _, ok := referenced[path]; ok {
				continue
			}
			stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
			key := RecoveredKey(agentID, stem)
			if _, exists := entries[key]; exists {
				continue
			}

			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			sessionID := headerSessionID(path)
			if sessionID == "" {
				sessionID = stem
			}
			raw, err := json.Marshal(map[string]any{
				FieldSessionID:   sessionID,
				FieldSessionFile: path,
				FieldUpdatedAt:   info.ModTime().UnixMilli(),
			})
			if err != nil {
				return false, fmt.Errorf("encode recovered entry: %w", err)
			}
			entries[key] = raw
			res.Recovered = append(res.Recovered, key)
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(res.Recovered)
	return res, nil
}

// transcripts lists live *.jsonl files in dir; archived and deleted
// transcripts are ignored.
func transcripts(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript dir: %w", err)
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if strings.Contains(name, ".reset.") || strings.Contains(name, ".deleted.") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// headerSessionID reads {"type":"session","id":...} from the first line.
func headerSessionID(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !sc.Scan() {
		return ""
	}
	var header struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil || header.Type != "session" {
		return ""
	}
	return header.ID
}
