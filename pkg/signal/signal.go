// Package signal turns raw chat text into the token-level signal the topic
// classifier scores. Wrapper content (system envelopes, metadata blocks) is
// stripped first, and messages too thin to say anything about the topic are
// gated out so acknowledgements never move a session's baseline.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// SkipReason explains why a message never reached the classifier.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipEmpty     SkipReason = "empty"
	SkipCommand   SkipReason = "command"
	SkipProvider  SkipReason = "ignored-provider"
	SkipLowSignal SkipReason = "low-signal"
)

// Signal is the extracted, scoreable form of a message.
type Signal struct {
	Text    string              // stripped text
	Tokens  []string            // normalized tokens in message order
	Set     map[string]struct{} // distinct tokens
	Entropy float64             // Shannon entropy of token frequencies, in bits
}

// Config controls extraction and gating.
type Config struct {
	// MinTokenLength drops shorter tokens. Default: 2.
	MinTokenLength int `json:"min_token_length"`

	// Gate floors. A message below any of them is skipped.
	MinChars   int     `json:"min_chars"`   // Default: 16
	MinTokens  int     `json:"min_tokens"`  // Default: 3
	MinEntropy float64 `json:"min_entropy"` // Default: 1.0 bits

	// CommandPrefixes mark control messages ("/reset", "!stop").
	CommandPrefixes []string `json:"command_prefixes"`

	// IgnoredProviders are transports whose messages are never classified.
	IgnoredProviders []string `json:"ignored_providers"`

	// StripLinePrefixes are regexps; the matched prefix is removed from each
	// line and lines left empty are dropped.
	StripLinePrefixes []string `json:"strip_line_prefixes"`

	// StripExactLines are removed when a trimmed line equals one of them.
	StripExactLines []string `json:"strip_exact_lines"`

	// StripFencedHeaders are regexps for header lines that introduce a
	// fenced block; the header and the block that follows are removed.
	StripFencedHeaders []string `json:"strip_fenced_headers"`
}

// DefaultConfig returns defaults tuned for chat-gateway envelopes.
func DefaultConfig() Config {
	return Config{
		MinTokenLength:  2,
		MinChars:        16,
		MinTokens:       3,
		MinEntropy:      1.0,
		CommandPrefixes: []string{"/", "!"},
		IgnoredProviders: []string{
			"heartbeat",
			"cron",
		},
		StripLinePrefixes: []string{
			`^\[[A-Z][a-z]{2} \d{4}-\d{2}-\d{2}[^\]]*\]\s*`,
			`^\[message_id:[^\]]*\]\s*`,
			`^System:\s.*$`,
		},
		StripExactLines: []string{
			"[[reply_to_current]]",
			"NO_REPLY",
			"HEARTBEAT_OK",
		},
		StripFencedHeaders: []string{
			`(?i)^.*\(untrusted (?:metadata|context)\):?\s*$`,
			`(?i)^(?:conversation info|sender info|replied message|forwarded message)\b.*:\s*$`,
		},
	}
}

var (
	urlPattern   = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	tokenPattern = regexp.MustCompile(`[\p{L}\p{M}\p{N}]+`)
)

// fold case-folds s. Casers are stateful, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// Extractor applies a compiled Config. It is safe for concurrent use.
type Extractor struct {
	cfg          Config
	linePrefixes []*regexp.Regexp
	fenceHeaders []*regexp.Regexp
	exactLines   map[string]struct{}
	ignored      map[string]struct{}
}

// NewExtractor compiles cfg's patterns.
func NewExtractor(cfg Config) (*Extractor, error) {
	e := &Extractor{
		cfg:        cfg,
		exactLines: make(map[string]struct{}, len(cfg.StripExactLines)),
		ignored:    make(map[string]struct{}, len(cfg.IgnoredProviders)),
	}
	for _, p := range cfg.StripLinePrefixes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile line prefix %q: %w", p, err)
		}
		e.linePrefixes = append(e.linePrefixes, re)
	}
	for _, p := range cfg.StripFencedHeaders {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile fenced header %q: %w", p, err)
		}
		e.fenceHeaders = append(e.fenceHeaders, re)
	}
	for _, l := range cfg.StripExactLines {
		e.exactLines[strings.TrimSpace(l)] = struct{}{}
	}
	for _, p := range cfg.IgnoredProviders {
		e.ignored[strings.ToLower(p)] = struct{}{}
	}
	return e, nil
}

// Extract strips, tokenizes, and gates a message. A non-empty SkipReason
// means the message must not be classified.
func (e *Extractor) Extract(text, provider string) (Signal, SkipReason) {
	if _, ok := e.ignored[strings.ToLower(provider)]; ok && provider != "" {
		return Signal{}, SkipProvider
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Signal{}, SkipEmpty
	}
	if e.isCommand(trimmed) {
		return Signal{}, SkipCommand
	}

	stripped := e.Strip(trimmed)
	if stripped == "" {
		return Signal{}, SkipEmpty
	}
	// Envelopes can wrap a command, e.g. "[Mon 2026-03-02 09:00 UTC] /new".
	if e.isCommand(stripped) {
		return Signal{}, SkipCommand
	}

	tokens := Tokenize(stripped, e.cfg.MinTokenLength)
	sig := Signal{
		Text:    stripped,
		Tokens:  tokens,
		Set:     TokenSet(tokens),
		Entropy: Entropy(tokens),
	}

	if len([]rune(stripped)) < e.cfg.MinChars ||
		len(tokens) < e.cfg.MinTokens ||
		sig.Entropy < e.cfg.MinEntropy {
		return sig, SkipLowSignal
	}
	return sig, SkipNone
}

func (e *Extractor) isCommand(text string) bool {
	for _, p := range e.cfg.CommandPrefixes {
		if p != "" && strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// Strip removes wrapper content and returns the remaining conversational text.
func (e *Extractor) Strip(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if e.isFenceHeader(trimmed) {
			j := i + 1
			for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
				j++
			}
			if j < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[j]), "```") {
				j++
				for j < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[j]), "```") {
					j++
				}
				i = j // skip closing fence too
				continue
			}
		}

		if _, ok := e.exactLines[trimmed]; ok {
			continue
		}

		for _, re := range e.linePrefixes {
			if loc := re.FindStringIndex(line); loc != nil && loc[0] == 0 {
				line = line[loc[1]:]
			}
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func (e *Extractor) isFenceHeader(line string) bool {
	if line == "" {
		return false
	}
	for _, re := range e.fenceHeaders {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Tokenize case-folds text, removes URLs, and returns runs of letters and
// digits at least minLen runes long.
func Tokenize(text string, minLen int) []string {
	text = urlPattern.ReplaceAllString(text, " ")
	text = fold(norm.NFKC.String(text))

	raw := tokenPattern.FindAllString(text, -1)
	tokens := raw[:0]
	for _, tok := range raw {
		if len([]rune(tok)) < minLen {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// TokenSet returns the distinct tokens.
func TokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// Entropy is the Shannon entropy (bits) of the token frequency distribution.
func Entropy(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	total := float64(len(tokens))
	var h float64
	for _, n := range freq {
		p := float64(n) / total
		h -= p * math.Log2(p)
	}
	return h
}

// Fingerprint identifies a message's normalized content.
func Fingerprint(text string) string {
	normalized := fold(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}
