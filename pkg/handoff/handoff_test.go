package handoff

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func readTail(t *testing.T, path string, n int, budget int64) []Message {
	t.Helper()
	msgs, err := ReadTail(path, n, budget)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	return msgs
}

func TestReadTailFormats(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		`{"type":"session","id":"abc"}`,
		`{"role":"user","content":"first question"}`,
		`{"type":"message","message":{"role":"assistant","content":[{"type":"text","text":"first answer"},{"type":"tool_use","name":"x"}]}}`,
		`{"role":"system","content":"ignored"}`,
		`not json at all`,
		`{"type":"message","message":{"role":"user","content":[{"type":"text","text":"second"},{"type":"text","text":"question"}]}}`,
		`{"role":"assistant","content":"   "}`,
		`{"role":"assistant","content":"second answer"}`,
	)

	want := []Message{
		{Role: "user", Text: "first question"},
		{Role: "assistant", Text: "first answer"},
		{Role: "user", Text: "second\nquestion"},
		{Role: "assistant", Text: "second answer"},
	}
	if got := readTail(t, path, 10, 0); !reflect.DeepEqual(got, want) {
		t.Errorf("ReadTail = %+v, want %+v", got, want)
	}
	if got := readTail(t, path, 2, 0); !reflect.DeepEqual(got, want[2:]) {
		t.Errorf("ReadTail last 2 = %+v, want %+v", got, want[2:])
	}
}

func TestReadTailSpansChunks(t *testing.T) {
	t.Parallel()

	var lines []string
	for i := 0; i < 400; i++ {
		lines = append(lines, fmt.Sprintf(`{"role":"user","content":"message %03d %s"}`, i, strings.Repeat("x", 100)))
	}
	path := writeTranscript(t, lines...)

	msgs := readTail(t, path, 250, 0)
	if len(msgs) != 250 {
		t.Fatalf("expected 250 messages, got %d", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].Text, "message 150 ") {
		t.Errorf("unexpected first message %q", Truncate(msgs[0].Text, 20))
	}
	if !strings.HasPrefix(msgs[249].Text, "message 399 ") {
		t.Errorf("unexpected last message %q", Truncate(msgs[249].Text, 20))
	}
}

func TestReadTailFallsBackToFullRead(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"role":"user","content":"alpha"}`,
		`{"role":"assistant","content":"beta"}`,
		`{"role":"user","content":"gamma"}`,
	}
	noise := fmt.Sprintf(`{"role":"tool","content":"%s"}`, strings.Repeat("z", 1024))
	for i := 0; i < 40; i++ {
		lines = append(lines, noise)
	}
	path := writeTranscript(t, lines...)

	want := []Message{
		{Role: "user", Text: "alpha"},
		{Role: "assistant", Text: "beta"},
		{Role: "user", Text: "gamma"},
	}
	if got := readTail(t, path, 3, 1); !reflect.DeepEqual(got, want) {
		t.Errorf("ReadTail = %+v, want %+v", got, want)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := ReadTail(filepath.Join(t.TempDir(), "missing.jsonl"), 3, 0); err == nil {
		t.Error("expected error for missing transcript")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefgh", 5, "abcd…"},
		{"ab cdefgh", 4, "ab…"},
		{"東京都庁舎", 3, "東京…"},
		{"unlimited", 0, "unlimited"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Role: "user", Text: "how do I\n  tune autovacuum?"},
		{Role: "assistant", Text: "Lower the scale factor."},
	}

	want := "[topic-shift] The conversation moved to a new topic. Summary of the previous session's last 2 messages:\n" +
		"- user: how do I tune autovacuum?\n" +
		"- assistant: Lower the scale factor."
	if got := Format(ModeSummary, msgs, 0); got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}

	verbatim := Format(ModeVerbatim, msgs, 0)
	if !strings.Contains(verbatim, "(verbatim)") {
		t.Errorf("verbatim header missing: %q", verbatim)
	}
	if !strings.Contains(verbatim, "[user]\nhow do I\n  tune autovacuum?") {
		t.Errorf("verbatim body reflowed: %q", verbatim)
	}

	if got := Format(ModeNone, msgs, 0); got != "" {
		t.Errorf("ModeNone produced %q", got)
	}
	if got := Format(ModeSummary, nil, 0); got != "" {
		t.Errorf("no messages produced %q", got)
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t, `{"role":"user","content":"hello there"}`)

	cfg := DefaultConfig()
	out, err := Build(cfg, path)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "- user: hello there") {
		t.Errorf("unexpected handoff %q", out)
	}

	cfg.Mode = ModeNone
	out, err = Build(cfg, path)
	if err != nil {
		t.Fatalf("Build ModeNone: %v", err)
	}
	if out != "" {
		t.Errorf("ModeNone produced %q", out)
	}

	empty := writeTranscript(t, `{"role":"system","content":"x"}`)
	if _, err := Build(DefaultConfig(), empty); !errors.Is(err, ErrNoMessages) {
		t.Errorf("expected ErrNoMessages, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := (Config{Mode: "poetry"}).Validate(); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
	if got := DedupeKey("agent:main:x", "new-id"); got != "topic-shift-handoff:agent:main:x:new-id" {
		t.Errorf("unexpected dedupe key %s", got)
	}
}

func TestReadAll(t *testing.T) {
	t.Parallel()

	in := strings.Join([]string{
		`{"type":"session","id":"s1"}`,
		`{"role":"user","content":"first"}`,
		`{"type":"message","message":{"role":"assistant","content":[{"type":"text","text":"second"}]}}`,
		`{"role":"tool","content":"ignored"}`,
		`not json`,
		`{"role":"user","content":"third"}`,
	}, "\n")

	msgs, err := ReadAll(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1] != (Message{Role: "assistant", Text: "second"}) {
		t.Errorf("unexpected second message %+v", msgs[1])
	}
	if msgs[2].Text != "third" {
		t.Errorf("unexpected third message %q", msgs[2].Text)
	}
}
