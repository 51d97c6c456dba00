package signal

import (
	"math"
	"strings"
	"testing"
)

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := NewExtractor(DefaultConfig())
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	return e
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Deploy the Kubernetes cluster at https://example.com/x now, OK? a", 2)
	want := []string{"deploy", "the", "kubernetes", "cluster", "at", "now", "ok"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

func TestTokenizeUnicode(t *testing.T) {
	got := Tokenize("Straße café ÉCOLE 東京", 2)
	joined := strings.Join(got, ",")
	for _, w := range []string{"strasse", "café", "école", "東京"} {
		if !strings.Contains(joined, w) {
			t.Errorf("expected token %q in %v", w, got)
		}
	}
}

func TestEntropy(t *testing.T) {
	if Entropy(nil) != 0 {
		t.Error("empty entropy should be 0")
	}
	if Entropy([]string{"a", "a", "a"}) != 0 {
		t.Error("single repeated token should have 0 entropy")
	}
	if h := Entropy([]string{"a", "b", "c", "d"}); math.Abs(h-2) > 1e-9 {
		t.Errorf("expected 2 bits, got %v", h)
	}
}

func TestExtractRejectsCommands(t *testing.T) {
	e := newTestExtractor(t)
	if _, reason := e.Extract("/reset please start over now", "telegram"); reason != SkipCommand {
		t.Errorf("expected command skip, got %q", reason)
	}
}

func TestExtractRejectsWrappedCommands(t *testing.T) {
	e := newTestExtractor(t)
	for _, msg := range []string{
		"[Mon 2026-03-02 09:00 UTC] /new let's talk about sourdough baking instead",
		"[message_id: 991]\n!stop replying to this thread about kubernetes",
		"System: exec finished\n/reset and start a fresh conversation please",
	} {
		if _, reason := e.Extract(msg, "telegram"); reason != SkipCommand {
			t.Errorf("%q: expected command skip, got %q", msg, reason)
		}
	}

	// A sigil in the middle of the text is not a command.
	if _, reason := e.Extract("[Mon 2026-03-02 09:00 UTC] compare /etc/hosts with resolv.conf on the bastion", "telegram"); reason == SkipCommand {
		t.Error("mid-text path classified as a command")
	}
}

func TestExtractIgnoredProvider(t *testing.T) {
	e := newTestExtractor(t)
	if _, reason := e.Extract("a perfectly reasonable message about databases", "heartbeat"); reason != SkipProvider {
		t.Errorf("expected provider skip, got %q", reason)
	}
}

func TestExtractLowSignal(t *testing.T) {
	e := newTestExtractor(t)
	for _, msg := range []string{"ok", "thanks!", "yes yes yes yes yes yes"} {
		if _, reason := e.Extract(msg, "slack"); reason != SkipLowSignal {
			t.Errorf("%q: expected low-signal skip, got %q", msg, reason)
		}
	}
}

func TestExtractStripsEnvelope(t *testing.T) {
	e := newTestExtractor(t)
	msg := strings.Join([]string{
		"Conversation info (untrusted metadata):",
		"```json",
		`{"sender": "alice", "channel": "general"}`,
		"```",
		"[Tue 2025-03-04 10:00 UTC] How do I tune postgres autovacuum thresholds?",
		"[[reply_to_current]]",
	}, "\n")

	sig, reason := e.Extract(msg, "telegram")
	if reason != SkipNone {
		t.Fatalf("unexpected skip %q", reason)
	}
	if sig.Text != "How do I tune postgres autovacuum thresholds?" {
		t.Errorf("unexpected stripped text %q", sig.Text)
	}
	if _, ok := sig.Set["sender"]; ok {
		t.Error("metadata block leaked into tokens")
	}
}

func TestFingerprintNormalizes(t *testing.T) {
	if Fingerprint("Hello   World") != Fingerprint("hello world") {
		t.Error("fingerprint should ignore case and whitespace")
	}
	if Fingerprint("hello world") == Fingerprint("hello there") {
		t.Error("different text should differ")
	}
}

func TestNewExtractorBadPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StripLinePrefixes = []string{"("}
	if _, err := NewExtractor(cfg); err == nil {
		t.Error("expected compile error")
	}
}
