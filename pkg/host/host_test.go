package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPathTemplate(t *testing.T) {
	t.Parallel()

	p := PathTemplate("/var/lib/gw/agents/{agent}/sessions.json")
	got, err := p.RegistryPath("ops")
	if err != nil {
		t.Fatalf("RegistryPath: %v", err)
	}
	if got != "/var/lib/gw/agents/ops/sessions.json" {
		t.Errorf("unexpected path %s", got)
	}

	got, err = p.RegistryPath("")
	if err != nil {
		t.Fatalf("RegistryPath default agent: %v", err)
	}
	if got != "/var/lib/gw/agents/main/sessions.json" {
		t.Errorf("expected main agent path, got %s", got)
	}

	if _, err := p.RegistryPath("../etc"); !errors.Is(err, ErrNoRegistryPath) {
		t.Errorf("expected ErrNoRegistryPath for traversal, got %v", err)
	}
	if _, err := PathTemplate("").RegistryPath("ops"); !errors.Is(err, ErrNoRegistryPath) {
		t.Errorf("expected ErrNoRegistryPath for empty template, got %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir: %v", err)
	}

	got, err := ExpandHome("~/.gw/sessions.json")
	if err != nil {
		t.Fatalf("ExpandHome: %v", err)
	}
	if want := filepath.Join(home, ".gw/sessions.json"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	got, err = ExpandHome("/abs/path")
	if err != nil {
		t.Fatalf("ExpandHome abs: %v", err)
	}
	if got != "/abs/path" {
		t.Errorf("absolute path changed to %s", got)
	}
}

func TestStaticRoutes(t *testing.T) {
	t.Parallel()

	routes := StaticRoutes{
		DefaultAgent: "",
		Overrides:    map[string]string{"slack:U1": "agent:ops:main"},
	}

	tests := []struct {
		name      string
		in        Route
		wantKey   string
		wantAgent string
		wantErr   bool
	}{
		{"explicit key", Route{SessionKey: "agent:sales:telegram:9"}, "agent:sales:telegram:9", "sales", false},
		{"explicit key foreign shape", Route{SessionKey: "custom"}, "custom", "main", false},
		{"override", Route{Channel: "slack", Peer: "U1"}, "agent:ops:main", "ops", false},
		{"derived", Route{Channel: "Telegram", Peer: "42"}, "agent:main:telegram:42", "main", false},
		{"derived with agent", Route{AgentID: "bot", Channel: "discord", Peer: "7"}, "agent:bot:discord:7", "bot", false},
		{"unresolvable", Route{Channel: "slack"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, agent, err := routes.ResolveRoute(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrRouteUnresolved) {
					t.Errorf("expected ErrRouteUnresolved, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveRoute: %v", err)
			}
			if key != tt.wantKey || agent != tt.wantAgent {
				t.Errorf("got (%s, %s), want (%s, %s)", key, agent, tt.wantKey, tt.wantAgent)
			}
		})
	}
}

func TestOutbox(t *testing.T) {
	t.Parallel()

	o := NewOutbox(2)
	ctx := context.Background()

	enqueue := func(ev ContextEvent) {
		t.Helper()
		if err := o.Enqueue(ctx, ev); err != nil {
			t.Fatalf("Enqueue %q: %v", ev.Text, err)
		}
	}

	enqueue(ContextEvent{SessionKey: "k", Text: "a", DedupeKey: "d1"})
	enqueue(ContextEvent{SessionKey: "k", Text: "a again", DedupeKey: "d1"})
	if p := o.Pending(); len(p) != 1 || p["k"] != 1 {
		t.Errorf("expected one pending event after duplicate, got %v", p)
	}

	enqueue(ContextEvent{SessionKey: "k", Text: "b", DedupeKey: "d2"})
	enqueue(ContextEvent{SessionKey: "k", Text: "c", DedupeKey: "d3"})

	evs := o.Drain("k")
	if len(evs) != 2 {
		t.Fatalf("expected 2 events under cap, got %d", len(evs))
	}
	if evs[0].Text != "b" {
		t.Errorf("expected oldest event dropped, first is %q", evs[0].Text)
	}
	if evs[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
	if again := o.Drain("k"); len(again) != 0 {
		t.Errorf("second drain returned %d events", len(again))
	}

	if err := o.Enqueue(ctx, ContextEvent{Text: "x"}); !errors.Is(err, ErrRouteUnresolved) {
		t.Errorf("expected ErrRouteUnresolved without session key, got %v", err)
	}
}
