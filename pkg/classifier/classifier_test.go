package classifier

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/topicshift/pkg/signal"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var postgresBaseline = []string{
	"postgres autovacuum thresholds tuning for large tables",
	"vacuum analyze scale factor settings postgres tables",
	"autovacuum worker cost limit postgres",
}

const (
	hikingMessage = "best hiking trails near mountain lakes during summer"
	onTopic       = "postgres autovacuum tables vacuum settings tuning"
	softShiftA    = "postgres tables autovacuum kubernetes helm chart ingress controller deployment rollout"
	softShiftB    = "postgres tables autovacuum kubernetes helm chart ingress controller service mesh"
	softShiftC    = "postgres tables autovacuum kubernetes helm chart ingress controller canary release"
)

func sig(text string) signal.Signal {
	tokens := signal.Tokenize(text, 2)
	return signal.Signal{
		Text:    text,
		Tokens:  tokens,
		Set:     signal.TokenSet(tokens),
		Entropy: signal.Entropy(tokens),
	}
}

type fakeBackend struct {
	calls atomic.Int32
	fn    func(text string) ([]float32, error)
}

func (f *fakeBackend) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	return f.fn(text)
}

func (f *fakeBackend) Name() string { return "fake" }

func newClassifier(t *testing.T, cfg Config, backend *fakeBackend) *Classifier {
	t.Helper()
	var c *Classifier
	var err error
	if backend == nil {
		c, err = New(cfg, nil, nil)
	} else {
		c, err = New(cfg, backend, nil)
	}
	require.NoError(t, err)
	return c
}

// feed classifies msgs one minute apart starting at start.
func feed(c *Classifier, st *SessionState, start time.Time, msgs ...string) []Result {
	out := make([]Result, 0, len(msgs))
	for i, m := range msgs {
		out = append(out, c.Classify(context.Background(), st, Input{
			Signal: sig(m),
			Role:   RoleUser,
			Now:    start.Add(time.Duration(i) * time.Minute),
		}))
	}
	return out
}

func warmedState(t *testing.T, c *Classifier) *SessionState {
	t.Helper()
	st := &SessionState{}
	for _, r := range feed(c, st, baseTime.Add(-time.Hour), postgresBaseline...) {
		require.Equal(t, DecisionWarmup, r.Decision)
	}
	require.Len(t, st.History, 3)
	require.Len(t, st.Baseline(), 15)
	return st
}

func TestPresets(t *testing.T) {
	t.Parallel()

	for _, name := range []string{PresetConservative, PresetBalanced, PresetAggressive, ""} {
		cfg, err := Preset(name)
		require.NoError(t, err, name)
		require.NoError(t, cfg.Validate(), name)
		assert.Less(t, cfg.Soft, cfg.Hard, name)
	}

	_, err := Preset("reckless")
	assert.ErrorIs(t, err, ErrUnknownPreset)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"soft above hard", func(c *Config) { c.Soft, c.Hard = 0.9, 0.8 }, ErrInvalidConfig},
		{"zero consecutive", func(c *Config) { c.SoftConsecutive = 0 }, ErrInvalidConfig},
		{"negative cooldown", func(c *Config) { c.Cooldown = -time.Second }, ErrInvalidConfig},
		{"bad steer mode", func(c *Config) { c.Steer.Enabled = true; c.Steer.Mode = "loose" }, ErrUnknownSteerMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLexicalFeatures(t *testing.T) {
	t.Parallel()

	baseline := map[string]struct{}{"a": {}, "b": {}}
	assert.Equal(t, 0.0, NoveltyRatio(nil, baseline))
	assert.Equal(t, 0.5, NoveltyRatio(map[string]struct{}{"a": {}, "z": {}}, baseline))
	assert.Equal(t, 0.5, UniqueTokenRatio([]string{"x", "x", "y", "y"}))
	assert.Equal(t, 0.0, UniqueTokenRatio(nil))

	cfg := DefaultConfig()
	full := LexicalFeatures{Novelty: 1, Distance: 1, UniqueTokenRatio: 1}
	assert.InDelta(t, 1.0, cfg.LexicalScore(full, 3), 1e-9)

	repetitive := LexicalFeatures{Novelty: 1, Distance: 1, UniqueTokenRatio: 0.2}
	assert.InDelta(t, 0.8, cfg.LexicalScore(repetitive, 3), 1e-9)
	assert.InDelta(t, 0.64, cfg.LexicalScore(repetitive, 0.5), 1e-9)

	assert.InDelta(t, 1.0, FusedScore(0, full), 1e-9)
	assert.InDelta(t, 0.3, FusedScore(1, full), 1e-9)
}

func TestWarmupNeverRotates(t *testing.T) {
	t.Parallel()

	c := newClassifier(t, DefaultConfig(), nil)

	st := &SessionState{}
	results := feed(c, st, baseTime,
		"alpha beta gamma delta",
		"quantum chromodynamics lattice gauge",
		"medieval castle stone fortifications",
	)
	for _, r := range results {
		assert.Equal(t, DecisionWarmup, r.Decision)
		assert.Zero(t, r.Metrics.PendingSoftSignals)
	}

	// Enough messages but too few distinct baseline tokens.
	thin := &SessionState{}
	results = feed(c, thin, baseTime,
		"alpha beta gamma", "alpha beta gamma", "alpha beta gamma", hikingMessage,
	)
	for _, r := range results {
		assert.Equal(t, DecisionWarmup, r.Decision)
	}
}

func TestHardRotationOnDisjointTopic(t *testing.T) {
	t.Parallel()

	c := newClassifier(t, DefaultConfig(), nil)
	st := warmedState(t, c)

	res := c.Classify(context.Background(), st, Input{Signal: sig(hikingMessage), Role: RoleUser, Now: baseTime})
	assert.Equal(t, DecisionRotateHard, res.Decision)
	assert.True(t, res.Decision.IsRotation())
	assert.InDelta(t, 1.0, res.Metrics.Novelty, 1e-9)
	assert.InDelta(t, 1.0, res.Metrics.LexicalDistance, 1e-9)
	assert.False(t, res.Metrics.UsedEmbedding)
	assert.Nil(t, res.Metrics.Similarity)

	require.Len(t, st.History, 1)
	assert.Contains(t, st.History[0].Tokens, "hiking")
	assert.Equal(t, baseTime, st.LastResetAt)
	assert.Zero(t, st.PendingSoftSignals)
}

func TestStableMessageKeepsBaseline(t *testing.T) {
	t.Parallel()

	c := newClassifier(t, DefaultConfig(), nil)
	st := warmedState(t, c)

	res := c.Classify(context.Background(), st, Input{Signal: sig(onTopic), Role: RoleUser, Now: baseTime})
	assert.Equal(t, DecisionStable, res.Decision)
	assert.Zero(t, res.Metrics.Novelty)
	assert.Len(t, st.History, 4)
}

func TestSoftConfirmation(t *testing.T) {
	t.Parallel()

	c := newClassifier(t, DefaultConfig(), nil)
	st := warmedState(t, c)

	first := c.Classify(context.Background(), st, Input{Signal: sig(softShiftA), Role: RoleUser, Now: baseTime})
	require.Equal(t, DecisionSuspect, first.Decision)
	assert.Equal(t, 1, first.Metrics.PendingSoftSignals)
	assert.Greater(t, first.Metrics.Score, c.Config().Soft)
	assert.Less(t, first.Metrics.Score, c.Config().Hard)
	assert.Len(t, st.History, 3, "suspect entries stay out of history")
	assert.Len(t, st.PendingEntries, 1)

	second := c.Classify(context.Background(), st, Input{Signal: sig(softShiftB), Role: RoleUser, Now: baseTime.Add(time.Minute)})
	require.Equal(t, DecisionRotateSoft, second.Decision)
	assert.Zero(t, second.Metrics.PendingSoftSignals)
	assert.Len(t, st.History, 2, "history restarts from buffered entries plus trigger")
	assert.Empty(t, st.PendingEntries)
}

func TestSuspectThenStableMergesPending(t *testing.T) {
	t.Parallel()

	c := newClassifier(t, DefaultConfig(), nil)
	st := warmedState(t, c)

	results := feed(c, st, baseTime, softShiftA, onTopic)
	assert.Equal(t, DecisionSuspect, results[0].Decision)
	assert.Equal(t, DecisionStable, results[1].Decision)
	assert.Zero(t, results[1].Metrics.PendingSoftSignals)
	assert.Zero(t, st.PendingSoftSignals)
	assert.Empty(t, st.PendingEntries)
	assert.Len(t, st.History, 5)
}

func TestPendingEntriesBounded(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Steer = SteerConfig{Enabled: true, Mode: SteerStrict, TTL: time.Hour, Prompt: "check"}
	c := newClassifier(t, cfg, nil)
	st := warmedState(t, c)

	results := feed(c, st, baseTime, softShiftA, softShiftB, softShiftC)
	for _, r := range results {
		assert.Equal(t, DecisionSuspect, r.Decision)
	}
	assert.True(t, results[1].Withheld)
	assert.Len(t, st.PendingEntries, cfg.SoftConsecutive)
	assert.Contains(t, st.PendingEntries[len(st.PendingEntries)-1].Tokens, "canary")
}

func TestCooldownForcesStable(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinHistory = 1
	cfg.MinMeaningfulTokens = 1
	c := newClassifier(t, cfg, nil)

	st := &SessionState{}
	ctx := context.Background()
	classify := func(text string, at time.Time) Decision {
		return c.Classify(ctx, st, Input{Signal: sig(text), Role: RoleUser, Now: at}).Decision
	}

	require.Equal(t, DecisionWarmup, classify(postgresBaseline[0], baseTime))
	require.Equal(t, DecisionRotateHard, classify(hikingMessage, baseTime.Add(time.Minute)))

	rotatedAt := baseTime.Add(time.Minute)
	assert.Equal(t, DecisionStable, classify("quantum chromodynamics lattice gauge theory simulations", rotatedAt.Add(time.Minute)))
	assert.Equal(t, DecisionStable, classify("medieval castle architecture stone fortifications history", rotatedAt.Add(4*time.Minute)))
	assert.Equal(t, DecisionRotateHard, classify("sourdough bread starter hydration fermentation schedule", rotatedAt.Add(6*time.Minute)))
}

func TestEmbeddingFailureFallsBackToLexical(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{fn: func(string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}}
	c := newClassifier(t, DefaultConfig(), backend)

	st := &SessionState{}
	results := feed(c, st, baseTime, append(append([]string{}, postgresBaseline...), hikingMessage)...)
	for _, r := range results {
		assert.False(t, r.Metrics.UsedEmbedding)
		assert.Nil(t, r.Metrics.Similarity)
	}
	assert.Equal(t, DecisionRotateHard, results[len(results)-1].Decision)
	assert.Positive(t, backend.calls.Load())
}

func TestEmbeddingFusion(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{fn: func(text string) ([]float32, error) {
		if strings.Contains(text, "postgres") {
			return []float32{1, 0}, nil
		}
		return []float32{0, 1}, nil
	}}
	c := newClassifier(t, DefaultConfig(), backend)

	st := &SessionState{}
	feed(c, st, baseTime.Add(-time.Hour), postgresBaseline...)
	require.Equal(t, 3, st.TopicCount)
	require.Equal(t, 2, st.TopicDim)

	res := c.Classify(context.Background(), st, Input{Signal: sig(hikingMessage), Role: RoleUser, Now: baseTime})
	require.True(t, res.Metrics.UsedEmbedding)
	require.NotNil(t, res.Metrics.Similarity)
	assert.InDelta(t, 0.0, *res.Metrics.Similarity, 1e-9)
	assert.InDelta(t, 1.0, res.Metrics.Score, 1e-9)
	assert.Equal(t, DecisionRotateHard, res.Decision)

	// Centroid restarts from the trigger.
	assert.Equal(t, 1, st.TopicCount)
	assert.Equal(t, []float32{0, 1}, st.TopicCentroid)
}

func TestEmbeddingGateSkipsClearCases(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{fn: func(string) ([]float32, error) { return []float32{1, 0}, nil }}
	c := newClassifier(t, DefaultConfig(), backend)
	st := warmedState(t, c)
	before := backend.calls.Load()

	res := c.Classify(context.Background(), st, Input{Signal: sig(onTopic), Role: RoleUser, Now: baseTime})
	assert.Equal(t, DecisionStable, res.Decision)
	assert.Equal(t, before, backend.calls.Load(), "no backend call for an obviously on-topic message")
}

func TestDimensionMismatchIsNoSignal(t *testing.T) {
	t.Parallel()

	st := &SessionState{}
	st.addToCentroid([]float32{1, 0, 0})
	_, ok := st.similarity([]float32{1, 0})
	assert.False(t, ok)

	st.addToCentroid([]float32{0, 0, 0})
	assert.Equal(t, 1, st.TopicCount, "zero vectors are ignored")

	st.addToCentroid([]float32{0, 1, 0})
	assert.Equal(t, []float32{0.5, 0.5, 0}, st.TopicCentroid)
}

func TestStrictSteerWithholdsUntilReply(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Steer = SteerConfig{Enabled: true, Mode: SteerStrict, TTL: time.Hour, Prompt: "check"}
	c := newClassifier(t, cfg, nil)
	st := warmedState(t, c)
	ctx := context.Background()

	r1 := c.Classify(ctx, st, Input{Signal: sig(softShiftA), Role: RoleUser, Now: baseTime})
	require.Equal(t, DecisionSuspect, r1.Decision)
	require.NotNil(t, st.PendingSteer)

	r2 := c.Classify(ctx, st, Input{Signal: sig(softShiftB), Role: RoleUser, Now: baseTime.Add(time.Minute)})
	require.Equal(t, DecisionSuspect, r2.Decision)
	assert.True(t, r2.Withheld)

	prompt, ok, next := TryConsumeSteer(st, baseTime.Add(2*time.Minute), cfg.Steer.Prompt)
	require.True(t, ok)
	assert.Equal(t, "check", prompt)
	st = next

	r3 := c.Classify(ctx, st, Input{Signal: sig(softShiftC), Role: RoleUser, Now: baseTime.Add(3 * time.Minute)})
	assert.Equal(t, DecisionRotateSoft, r3.Decision)
	assert.Nil(t, st.PendingSteer)
}

func TestStrictSteerExpiredTicketRearms(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Steer = SteerConfig{Enabled: true, Mode: SteerStrict, TTL: time.Minute, Prompt: "check"}
	c := newClassifier(t, cfg, nil)
	st := warmedState(t, c)
	ctx := context.Background()

	require.Equal(t, DecisionSuspect, c.Classify(ctx, st, Input{Signal: sig(softShiftA), Role: RoleUser, Now: baseTime}).Decision)
	first := st.PendingSteer
	require.NotNil(t, first)

	later := baseTime.Add(5 * time.Minute)
	r := c.Classify(ctx, st, Input{Signal: sig(softShiftB), Role: RoleUser, Now: later})
	assert.Equal(t, DecisionSuspect, r.Decision)
	assert.True(t, r.Withheld)
	require.NotNil(t, st.PendingSteer)
	assert.NotSame(t, first, st.PendingSteer)
	assert.Equal(t, later, st.PendingSteer.CreatedAt)
	assert.False(t, st.PendingSteer.Injected)
}

func TestStrictSteerSingleSoftSignalArmsBeforeRotating(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SoftConsecutive = 1
	cfg.Steer = SteerConfig{Enabled: true, Mode: SteerStrict, TTL: time.Hour, Prompt: "check"}
	require.NoError(t, cfg.Validate())
	c := newClassifier(t, cfg, nil)
	st := warmedState(t, c)
	ctx := context.Background()

	r1 := c.Classify(ctx, st, Input{Signal: sig(softShiftA), Role: RoleUser, Now: baseTime})
	require.Equal(t, DecisionSuspect, r1.Decision)
	assert.True(t, r1.Withheld)
	require.NotNil(t, st.PendingSteer)

	// Injected but not yet answered: the assistant turn does not release it.
	_, ok, next := TryConsumeSteer(st, baseTime.Add(time.Minute), cfg.Steer.Prompt)
	require.True(t, ok)
	st = next
	r2 := c.Classify(ctx, st, Input{Signal: sig(softShiftB), Role: RoleAssistant, Now: baseTime.Add(time.Minute)})
	assert.Equal(t, DecisionSuspect, r2.Decision)
	assert.True(t, r2.Withheld)

	r3 := c.Classify(ctx, st, Input{Signal: sig(softShiftC), Role: RoleUser, Now: baseTime.Add(2 * time.Minute)})
	assert.Equal(t, DecisionRotateSoft, r3.Decision)
	assert.Nil(t, st.PendingSteer)
}

func TestBestEffortSteerDoesNotWithhold(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Steer = SteerConfig{Enabled: true, Mode: SteerBestEffort, TTL: time.Hour, Prompt: "check"}
	c := newClassifier(t, cfg, nil)
	st := warmedState(t, c)

	results := feed(c, st, baseTime, softShiftA, softShiftB)
	assert.Equal(t, DecisionSuspect, results[0].Decision)
	assert.Equal(t, DecisionRotateSoft, results[1].Decision)
}

func TestSetConfig(t *testing.T) {
	t.Parallel()

	c := newClassifier(t, DefaultConfig(), nil)
	aggressive, err := Preset(PresetAggressive)
	require.NoError(t, err)
	require.NoError(t, c.SetConfig(aggressive))
	assert.Equal(t, aggressive.Soft, c.Config().Soft)

	bad := aggressive
	bad.Soft = 2
	require.Error(t, c.SetConfig(bad))
	assert.Equal(t, aggressive.Soft, c.Config().Soft)
}
