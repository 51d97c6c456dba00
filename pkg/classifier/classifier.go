// Package classifier decides, one message at a time, whether a session's
// topic has shifted far enough to rotate it to a fresh identity.
//
// Each session key owns a SessionState: a bounded history window whose token
// union is the topic baseline, an optional embedding centroid, and the
// soft-signal bookkeeping used to confirm a shift over consecutive messages.
// Classify is not safe for concurrent use on the same SessionState; callers
// serialize per session key.
package classifier

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrUnknownPreset    = errors.New("unknown classifier preset")
	ErrUnknownSteerMode = errors.New("unknown steer mode")
	ErrInvalidConfig    = errors.New("invalid classifier config")
)

// Decision is the outcome of classifying one message.
type Decision string

const (
	DecisionWarmup     Decision = "warmup"
	DecisionStable     Decision = "stable"
	DecisionSuspect    Decision = "suspect"
	DecisionRotateSoft Decision = "rotate-soft"
	DecisionRotateHard Decision = "rotate-hard"
)

// IsRotation reports whether d requires the session to rotate.
func (d Decision) IsRotation() bool {
	return d == DecisionRotateSoft || d == DecisionRotateHard
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Preset names.
const (
	PresetConservative = "conservative"
	PresetBalanced     = "balanced"
	PresetAggressive   = "aggressive"
)

// Steer modes.
const (
	SteerStrict     = "strict"      // soft rotation waits for the clarification reply
	SteerBestEffort = "best_effort" // soft rotation proceeds regardless
)

// Metrics describes how a decision was reached. Never persisted.
type Metrics struct {
	Score              float64  `json:"score"`
	Novelty            float64  `json:"novelty"`
	LexicalDistance    float64  `json:"lexicalDistance"`
	UniqueTokenRatio   float64  `json:"uniqueTokenRatio"`
	Entropy            float64  `json:"entropy"`
	Similarity         *float64 `json:"similarity,omitempty"`
	UsedEmbedding      bool     `json:"usedEmbedding"`
	PendingSoftSignals int      `json:"pendingSoftSignals"`
}

// Thresholds are the tunable decision boundaries.
type Thresholds struct {
	// Soft and Hard are score thresholds in [0,1].
	Soft float64 `json:"soft"`
	Hard float64 `json:"hard"`

	// SoftConsecutive is how many consecutive soft signals confirm a rotation.
	SoftConsecutive int `json:"soft_consecutive"`

	// Similarity ceilings and novelty floors for the embedding-backed and
	// lexical-only signal combinations.
	SoftSimilarity float64 `json:"soft_similarity"`
	SoftNovelty    float64 `json:"soft_novelty"`
	HardSimilarity float64 `json:"hard_similarity"`
	HardNovelty    float64 `json:"hard_novelty"`

	// Cooldown forces stable decisions after a rotation.
	Cooldown time.Duration `json:"cooldown"`

	// Embedding request gate.
	EmbedMargin          float64 `json:"embed_margin"`
	EmbedNoveltyTrigger  float64 `json:"embed_novelty_trigger"`
	EmbedDistanceTrigger float64 `json:"embed_distance_trigger"`
}

// Config holds classifier configuration.
type Config struct {
	Thresholds

	// HistoryWindow bounds the retained history. Default: 10.
	HistoryWindow int `json:"history_window"`

	// MinHistory and MinMeaningfulTokens gate warmup: below either, no
	// rotation is possible. Defaults: 3 and 12.
	MinHistory          int `json:"min_history"`
	MinMeaningfulTokens int `json:"min_meaningful_tokens"`

	// Lexical score penalties: the score is multiplied by LowSignalPenalty
	// once for a unique-token ratio below UniqueRatioFloor and once for
	// entropy below EntropyFloor.
	UniqueRatioFloor float64 `json:"unique_ratio_floor"` // Default: 0.5
	EntropyFloor     float64 `json:"entropy_floor"`      // Default: 2.0 bits
	LowSignalPenalty float64 `json:"low_signal_penalty"` // Default: 0.8

	Steer SteerConfig `json:"steer"`
}

// SteerConfig controls soft-suspect clarification steering.
type SteerConfig struct {
	Enabled bool          `json:"enabled"`
	Mode    string        `json:"mode"` // strict or best_effort
	TTL     time.Duration `json:"ttl"`  // Default: 10m
	Prompt  string        `json:"prompt"`
}

// DefaultSteerPrompt is prepended when a steer ticket is consumed.
const DefaultSteerPrompt = "The latest message may be starting a new topic. " +
	"If it is unrelated to the earlier conversation, ask the user to confirm " +
	"before relying on earlier context; otherwise continue normally."

// Fixed lexical-only distance bars for the hard and soft signal combinations.
const (
	hardDistanceBar = 0.92
	softDistanceBar = 0.80
)

// Fused score weights with an embedding signal, and lexical composite weights.
const (
	weightSemantic       = 0.70
	weightFusedDistance  = 0.15
	weightFusedNovelty   = 0.15
	weightLexicalNovelty = 0.55
	weightLexicalDistant = 0.45
)

// DefaultConfig returns the balanced preset.
func DefaultConfig() Config {
	cfg, _ := Preset(PresetBalanced)
	return cfg
}

// Preset returns the named threshold preset.
func Preset(name string) (Config, error) {
	cfg := Config{
		HistoryWindow:       10,
		MinHistory:          3,
		MinMeaningfulTokens: 12,
		UniqueRatioFloor:    0.5,
		EntropyFloor:        2.0,
		LowSignalPenalty:    0.8,
		Steer: SteerConfig{
			Mode:   SteerBestEffort,
			TTL:    10 * time.Minute,
			Prompt: DefaultSteerPrompt,
		},
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case PresetConservative:
		cfg.Thresholds = Thresholds{
			Soft:                 0.78,
			Hard:                 0.92,
			SoftConsecutive:      3,
			SoftSimilarity:       0.45,
			SoftNovelty:          0.75,
			HardSimilarity:       0.25,
			HardNovelty:          0.92,
			Cooldown:             10 * time.Minute,
			EmbedMargin:          0.10,
			EmbedNoveltyTrigger:  0.70,
			EmbedDistanceTrigger: 0.60,
		}
		cfg.MinHistory = 4
		cfg.MinMeaningfulTokens = 16
	case PresetBalanced, "":
		cfg.Thresholds = Thresholds{
			Soft:                 0.72,
			Hard:                 0.86,
			SoftConsecutive:      2,
			SoftSimilarity:       0.55,
			SoftNovelty:          0.65,
			HardSimilarity:       0.35,
			HardNovelty:          0.85,
			Cooldown:             5 * time.Minute,
			EmbedMargin:          0.12,
			EmbedNoveltyTrigger:  0.60,
			EmbedDistanceTrigger: 0.50,
		}
	case PresetAggressive:
		cfg.Thresholds = Thresholds{
			Soft:                 0.62,
			Hard:                 0.80,
			SoftConsecutive:      2,
			SoftSimilarity:       0.62,
			SoftNovelty:          0.55,
			HardSimilarity:       0.42,
			HardNovelty:          0.78,
			Cooldown:             2 * time.Minute,
			EmbedMargin:          0.15,
			EmbedNoveltyTrigger:  0.50,
			EmbedDistanceTrigger: 0.45,
		}
		cfg.MinHistory = 2
		cfg.MinMeaningfulTokens = 8
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return cfg, nil
}

// Validate checks that thresholds are ordered and in range.
func (c Config) Validate() error {
	switch {
	case c.Soft < 0 || c.Soft > 1 || c.Hard < 0 || c.Hard > 1:
		return fmt.Errorf("%w: soft and hard must be in [0,1]", ErrInvalidConfig)
	case c.Soft > c.Hard:
		return fmt.Errorf("%w: soft %.2f exceeds hard %.2f", ErrInvalidConfig, c.Soft, c.Hard)
	case c.SoftConsecutive < 1:
		return fmt.Errorf("%w: soft_consecutive must be at least 1", ErrInvalidConfig)
	case c.HistoryWindow < 1:
		return fmt.Errorf("%w: history_window must be at least 1", ErrInvalidConfig)
	case c.MinHistory > c.HistoryWindow:
		return fmt.Errorf("%w: min_history %d exceeds history_window %d", ErrInvalidConfig, c.MinHistory, c.HistoryWindow)
	case c.Cooldown < 0:
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidConfig)
	}
	if c.Steer.Enabled {
		switch c.Steer.Mode {
		case SteerStrict, SteerBestEffort:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownSteerMode, c.Steer.Mode)
		}
	}
	return nil
}
