// Package host defines the ports the engine needs from the message host and
// ships simple adapters for running standalone.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Common errors.
var (
	ErrRouteUnresolved = errors.New("route could not be resolved to a session key")
	ErrNoRegistryPath  = errors.New("no registry path for agent")
)

// DefaultAgent is used when an event names no agent.
const DefaultAgent = "main"

// Route identifies where a message belongs.
type Route struct {
	SessionKey string `json:"session_key,omitempty"` // used as-is when set
	AgentID    string `json:"agent_id,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Peer       string `json:"peer,omitempty"`
}

// ContextEvent is synthesized context for a session's next turn.
type ContextEvent struct {
	SessionKey string    `json:"session_key"`
	Text       string    `json:"text"`
	DedupeKey  string    `json:"dedupe_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// RegistryResolver maps an agent to its session registry file.
type RegistryResolver interface {
	RegistryPath(agentID string) (string, error)
}

// RouteResolver maps message metadata to a canonical session key and agent.
type RouteResolver interface {
	ResolveRoute(r Route) (sessionKey, agentID string, err error)
}

// EventSink queues context events for a session's next turn.
type EventSink interface {
	Enqueue(ctx context.Context, ev ContextEvent) error
}

// PathTemplate resolves registry paths from a template such as
// "~/.gateway/agents/{agent}/sessions/sessions.json".
type PathTemplate string

// RegistryPath implements RegistryResolver.
func (p PathTemplate) RegistryPath(agentID string) (string, error) {
	tmpl := strings.TrimSpace(string(p))
	if tmpl == "" {
		return "", ErrNoRegistryPath
	}
	if agentID == "" {
		agentID = DefaultAgent
	}
	if strings.ContainsAny(agentID, `/\`) || agentID == ".." {
		return "", fmt.Errorf("%w: invalid agent id %q", ErrNoRegistryPath, agentID)
	}
	path := strings.ReplaceAll(tmpl, "{agent}", agentID)
	return ExpandHome(path)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// StaticRoutes resolves routes from explicit overrides, falling back to
// agent:<agent>:<channel>:<peer>.
type StaticRoutes struct {
	DefaultAgent string            `json:"default_agent"`
	Overrides    map[string]string `json:"overrides"` // "channel:peer" -> session key
}

// ResolveRoute implements RouteResolver.
func (s StaticRoutes) ResolveRoute(r Route) (string, string, error) {
	agent := r.AgentID
	if agent == "" {
		agent = s.DefaultAgent
	}

	if key := strings.TrimSpace(r.SessionKey); key != "" {
		if agent == "" {
			agent = AgentFromKey(key)
		}
		return key, orDefault(agent), nil
	}

	if r.Channel == "" || r.Peer == "" {
		return "", "", fmt.Errorf("%w: need session_key or channel and peer", ErrRouteUnresolved)
	}
	if key, ok := s.Overrides[r.Channel+":"+r.Peer]; ok && key != "" {
		if agent == "" {
			agent = AgentFromKey(key)
		}
		return key, orDefault(agent), nil
	}
	agent = orDefault(agent)
	return "agent:" + agent + ":" + strings.ToLower(r.Channel) + ":" + r.Peer, agent, nil
}

// AgentFromKey extracts <agent> from keys shaped agent:<agent>:...
func AgentFromKey(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) >= 2 && parts[0] == "agent" && parts[1] != "" {
		return parts[1]
	}
	return ""
}

func orDefault(agent string) string {
	if agent == "" {
		return DefaultAgent
	}
	return agent
}

// Outbox is an in-memory EventSink drained by the host adapter. Events with
// a dedupe key already queued for the session are dropped.
type Outbox struct {
	mu       sync.Mutex
	queues   map[string][]ContextEvent
	perQueue int
}

// NewOutbox creates an outbox keeping at most perSession events per session.
func NewOutbox(perSession int) *Outbox {
	if perSession <= 0 {
		perSession = 16
	}
	return &Outbox{queues: make(map[string][]ContextEvent), perQueue: perSession}
}

// Enqueue implements EventSink.
func (o *Outbox) Enqueue(_ context.Context, ev ContextEvent) error {
	if ev.SessionKey == "" {
		return fmt.Errorf("enqueue: %w", ErrRouteUnresolved)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[ev.SessionKey]
	if ev.DedupeKey != "" {
		for _, existing := range q {
			if existing.DedupeKey == ev.DedupeKey {
				return nil
			}
		}
	}
	q = append(q, ev)
	if len(q) > o.perQueue {
		q = q[len(q)-o.perQueue:]
	}
	o.queues[ev.SessionKey] = q
	return nil
}

// Drain returns and removes the queued events for sessionKey.
func (o *Outbox) Drain(sessionKey string) []ContextEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[sessionKey]
	delete(o.queues, sessionKey)
	return q
}

// Pending returns queued event counts per session.
func (o *Outbox) Pending() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.queues))
	for k, q := range o.queues {
		out[k] = len(q)
	}
	return out
}
