// Package handoff condenses the tail of a finished session's transcript into
// a context message for the session that replaces it.
package handoff

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// Common errors.
var (
	ErrUnknownMode = errors.New("unknown handoff mode")
	ErrNoMessages  = errors.New("transcript has no user or assistant messages")
)

// Modes.
const (
	ModeNone     = "none"
	ModeSummary  = "summary"
	ModeVerbatim = "verbatim"
)

const ellipsis = "…"

// Message is one user or assistant turn.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Config controls handoff synthesis.
type Config struct {
	// Mode: none, summary, verbatim. Default: summary.
	Mode string `json:"mode"`

	// LastN messages are carried over. Default: 6.
	LastN int `json:"last_n"`

	// MaxChars truncates each message. Default: 280.
	MaxChars int `json:"max_chars"`

	// ByteBudget bounds the backward tail read before falling back to a full
	// read. Default: 256KB.
	ByteBudget int64 `json:"byte_budget"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeSummary,
		LastN:      6,
		MaxChars:   280,
		ByteBudget: 256 * 1024,
	}
}

// Validate checks the mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeNone, ModeSummary, ModeVerbatim:
		return nil
	}
	return fmt.Errorf("%w: %q (use none, summary or verbatim)", ErrUnknownMode, c.Mode)
}

// Enabled reports whether handoff is on.
func (c Config) Enabled() bool {
	return c.Mode != ModeNone && c.Mode != ""
}

// DedupeKey tags the handoff event enqueued for a rotation.
func DedupeKey(sessionKey, newSessionID string) string {
	return "topic-shift-handoff:" + sessionKey + ":" + newSessionID
}

// Build reads the transcript tail and formats it. It returns "" when handoff
// is disabled.
func Build(cfg Config, transcript string) (string, error) {
	if !cfg.Enabled() {
		return "", nil
	}
	msgs, err := ReadTail(transcript, cfg.LastN, cfg.ByteBudget)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", ErrNoMessages
	}
	return Format(cfg.Mode, msgs, cfg.MaxChars), nil
}

// Format renders msgs under a mode-specific header.
func Format(mode string, msgs []Message, maxChars int) string {
	if len(msgs) == 0 || mode == ModeNone || mode == "" {
		return ""
	}

	var b strings.Builder
	switch mode {
	case ModeVerbatim:
		fmt.Fprintf(&b, "[topic-shift] Previous session, last %d messages (verbatim):\n", len(msgs))
		for _, m := range msgs {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", m.Role, Truncate(strings.TrimSpace(m.Text), maxChars))
		}
	default:
		fmt.Fprintf(&b, "[topic-shift] The conversation moved to a new topic. Summary of the previous session's last %d messages:\n", len(msgs))
		for _, m := range msgs {
			text := strings.Join(strings.Fields(m.Text), " ")
			fmt.Fprintf(&b, "- %s: %s\n", m.Role, Truncate(text, maxChars))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Truncate cuts s to at most max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max == 1 {
		return ellipsis
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:max-1]), isSpace) + ellipsis
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }

const chunkSize = 16 * 1024

// ReadTail returns the last n user/assistant messages of a JSONL transcript,
// oldest first. It reads backwards in chunks up to budget bytes and falls
// back to reading the whole file when that is not enough.
func ReadTail(path string, n int, budget int64) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat transcript: %w", err)
	}
	size := info.Size()

	if msgs, complete, err := readBackward(f, size, n, budget); err != nil {
		return nil, err
	} else if complete {
		return msgs, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek transcript: %w", err)
	}
	return readForward(f, n)
}

// readBackward collects complete lines from the end of the file. complete
// is true when n messages were found or the whole file was consumed.
func readBackward(f *os.File, size int64, n int, budget int64) ([]Message, bool, error) {
	var (
		found []Message // newest first
		tail  []byte    // partial line carried to the next chunk
		read  int64
	)
	pos := size
	for pos > 0 {
		if budget > 0 && read >= budget {
			return nil, false, nil
		}
		step := int64(chunkSize)
		if step > pos {
			step = pos
		}
		pos -= step

		buf := make([]byte, step)
		if _, err := f.ReadAt(buf, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, false, fmt.Errorf("read transcript: %w", err)
		}
		read += step

		buf = append(buf, tail...)
		lines := bytes.Split(buf, []byte("\n"))
		// The first piece may be cut mid-line unless we reached the start.
		if pos > 0 {
			tail = lines[0]
			lines = lines[1:]
		} else {
			tail = nil
		}
		for i := len(lines) - 1; i >= 0; i-- {
			if m, ok := parseLine(lines[i]); ok {
				found = append(found, m)
				if len(found) == n {
					return reverse(found), true, nil
				}
			}
		}
	}
	return reverse(found), true, nil
}

// ReadAll returns every user/assistant message of a JSONL transcript in order.
func ReadAll(r io.Reader) ([]Message, error) {
	return readForward(r, 0)
}

// readForward keeps the last n messages; n <= 0 keeps all of them.
func readForward(r io.Reader, n int) ([]Message, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var ring []Message
	for sc.Scan() {
		if m, ok := parseLine(sc.Bytes()); ok {
			ring = append(ring, m)
			if n > 0 && len(ring) > n {
				ring = ring[1:]
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return ring, nil
}

func reverse(msgs []Message) []Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

type transcriptLine struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// parseLine accepts {"role","content"} and {"type":"message","message":{...}}
// lines whose content is a string or a list of {"type":"text","text"} parts.
func parseLine(line []byte) (Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Message{}, false
	}
	var tl transcriptLine
	if err := json.Unmarshal(line, &tl); err != nil {
		return Message{}, false
	}

	role, content := tl.Role, tl.Content
	if tl.Message != nil {
		role, content = tl.Message.Role, tl.Message.Content
	}
	if role != "user" && role != "assistant" {
		return Message{}, false
	}
	text := contentText(content)
	if text == "" {
		return Message{}, false
	}
	return Message{Role: role, Text: text}, true
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && strings.TrimSpace(p.Text) != "" {
			texts = append(texts, strings.TrimSpace(p.Text))
		}
	}
	return strings.Join(texts, "\n")
}
