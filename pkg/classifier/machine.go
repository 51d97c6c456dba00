package classifier

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Siddhant-K-code/topicshift/pkg/embedding"
	tsmath "github.com/Siddhant-K-code/topicshift/pkg/math"
	"github.com/Siddhant-K-code/topicshift/pkg/signal"
)

// Input is one gated message.
type Input struct {
	Signal signal.Signal
	Role   string // user or assistant
	Now    time.Time
}

// Result is the outcome of Classify.
type Result struct {
	Decision Decision `json:"decision"`
	Metrics  Metrics  `json:"metrics"`

	// Withheld is set when strict steering held back a confirmed soft rotation.
	Withheld bool `json:"withheld,omitempty"`
}

// Classifier runs the topic-shift state machine.
type Classifier struct {
	cfg     atomic.Pointer[Config]
	backend embedding.Backend
	logger  *zap.Logger
}

// New creates a classifier. backend may be nil for lexical-only scoring.
func New(cfg Config, backend embedding.Backend, logger *zap.Logger) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{backend: backend, logger: logger}
	c.cfg.Store(&cfg)
	return c, nil
}

// Config returns the active configuration.
func (c *Classifier) Config() Config {
	return *c.cfg.Load()
}

// SetConfig swaps the configuration. In-flight classifications finish with
// the old one.
func (c *Classifier) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg.Store(&cfg)
	return nil
}

// Backend returns the embedding backend, or nil.
func (c *Classifier) Backend() embedding.Backend {
	return c.backend
}

// Classify evaluates one message against st and mutates st accordingly.
// On a rotation decision st is already reset for the new topic.
func (c *Classifier) Classify(ctx context.Context, st *SessionState, in Input) Result {
	cfg := c.Config()
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	st.LastSeenAt = now
	st.observe(in.Role, now)

	baseline := st.Baseline()
	f := Features(in.Signal.Tokens, in.Signal.Set, baseline)
	lexical := cfg.LexicalScore(f, in.Signal.Entropy)

	m := Metrics{
		Score:            lexical,
		Novelty:          f.Novelty,
		LexicalDistance:  f.Distance,
		UniqueTokenRatio: f.UniqueTokenRatio,
		Entropy:          in.Signal.Entropy,
	}

	var vec []float32
	if c.backend != nil && cfg.wantsEmbedding(lexical, f) {
		vec = c.embed(ctx, in.Signal.Text)
	}
	var sim *float64
	if vec != nil {
		if s, ok := st.similarity(vec); ok {
			sim = &s
			m.Similarity = sim
			m.UsedEmbedding = true
			m.Score = FusedScore(s, f)
		}
	}

	entry := NewHistoryEntry(in.Signal.Set, vec, now)
	res := Result{}

	switch {
	case len(st.History) < cfg.MinHistory || len(baseline) < cfg.MinMeaningfulTokens:
		st.settle(cfg.HistoryWindow)
		st.commit(entry, cfg.HistoryWindow)
		res.Decision = DecisionWarmup

	case st.inCooldown(now, cfg.Cooldown):
		st.settle(cfg.HistoryWindow)
		st.commit(entry, cfg.HistoryWindow)
		res.Decision = DecisionStable

	default:
		switch cfg.level(m.Score, f, sim) {
		case signalHard:
			st.reset(entry, cfg.HistoryWindow, now)
			res.Decision = DecisionRotateHard

		case signalSoft:
			st.PendingSoftSignals++
			confirmed := st.PendingSoftSignals >= cfg.SoftConsecutive
			if confirmed && !cfg.withholds(st, now) {
				st.reset(entry, cfg.HistoryWindow, now)
				res.Decision = DecisionRotateSoft
				break
			}
			st.buffer(entry, cfg.SoftConsecutive)
			if cfg.Steer.Enabled {
				st.arm(now, cfg.Steer.TTL)
			}
			res.Withheld = confirmed
			res.Decision = DecisionSuspect

		default:
			st.settle(cfg.HistoryWindow)
			st.commit(entry, cfg.HistoryWindow)
			res.Decision = DecisionStable
		}
	}

	m.PendingSoftSignals = st.PendingSoftSignals
	res.Metrics = m
	return res
}

// embed asks the backend for a vector. Failures only drop the semantic
// signal for this message.
func (c *Classifier) embed(ctx context.Context, text string) []float32 {
	vec, err := c.backend.Embed(ctx, text)
	if err != nil {
		c.logger.Warn("topic-shift embedding failed",
			zap.String("backend", c.backend.Name()),
			zap.Error(err),
		)
		return nil
	}
	if tsmath.IsDegenerate(vec) {
		c.logger.Debug("topic-shift embedding degenerate", zap.String("backend", c.backend.Name()))
		return nil
	}
	return vec
}
