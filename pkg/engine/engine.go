// Package engine is the inbound port of topicshift. Hosts call OnMessage for
// every inbound user message and every delivered assistant message, and
// PrependContext before assembling a prompt. The engine owns no event loop of
// its own beyond background persistence and eviction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/topicshift/pkg/audit"
	"github.com/Siddhant-K-code/topicshift/pkg/classifier"
	"github.com/Siddhant-K-code/topicshift/pkg/handoff"
	"github.com/Siddhant-K-code/topicshift/pkg/host"
	"github.com/Siddhant-K-code/topicshift/pkg/metrics"
	"github.com/Siddhant-K-code/topicshift/pkg/persist"
	"github.com/Siddhant-K-code/topicshift/pkg/registry"
	"github.com/Siddhant-K-code/topicshift/pkg/signal"
	"github.com/Siddhant-K-code/topicshift/pkg/telemetry"
)

// Common errors.
var (
	ErrMissingDependency = errors.New("engine dependency missing")
	ErrEmptySessionKey   = errors.New("session key is required")
	ErrInvalidConfig     = errors.New("invalid engine config")
)

// SkipUnroutable marks an event whose route could not be resolved.
const SkipUnroutable signal.SkipReason = "unroutable"

// Config holds engine configuration.
type Config struct {
	// DryRun runs the full decision path but never touches the registry.
	DryRun bool `json:"dry_run"`

	// DedupeWindow suppresses repeat rotations for identical text. Default: 30s.
	DedupeWindow time.Duration `json:"dedupe_window"`

	// ArchiveTranscripts renames the old transcript after rotation. Default: true.
	ArchiveTranscripts bool `json:"archive_transcripts"`

	// RecoverOrphans runs the orphan transcript scan before the first
	// rotation against each registry. Requires ArchiveTranscripts, since an
	// unarchived retired transcript looks like an orphan. Default: true.
	RecoverOrphans bool `json:"recover_orphans"`

	// StatePath is the snapshot file. Empty disables persistence.
	StatePath string `json:"state_path"`

	// EvictInterval is how often idle sessions are evicted. Default: 1m.
	EvictInterval time.Duration `json:"evict_interval"`

	Handoff handoff.Config         `json:"handoff"`
	Flush   persist.FlusherConfig  `json:"flush"`
	Store   classifier.StoreConfig `json:"store"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DedupeWindow:       30 * time.Second,
		ArchiveTranscripts: true,
		RecoverOrphans:     true,
		EvictInterval:      time.Minute,
		Handoff:            handoff.DefaultConfig(),
		Flush:              persist.DefaultFlusherConfig(),
		Store:              classifier.DefaultStoreConfig(),
	}
}

// Event is one message observed by the host.
type Event struct {
	Role     string     `json:"role"` // user (inbound) or assistant (outbound)
	Text     string     `json:"text"`
	Route    host.Route `json:"route"`
	Provider string     `json:"provider,omitempty"`
	At       time.Time  `json:"at,omitzero"`
}

// Decision is the engine's answer for one event.
type Decision struct {
	SessionKey string              `json:"session_key,omitempty"`
	AgentID    string              `json:"agent_id,omitempty"`
	Decision   classifier.Decision `json:"decision,omitempty"`
	Skip       signal.SkipReason   `json:"skip,omitempty"`
	Metrics    *classifier.Metrics `json:"metrics,omitempty"`
	Withheld   bool                `json:"withheld,omitempty"`
	Duplicate  bool                `json:"duplicate,omitempty"`

	Rotation      *registry.RotateResult `json:"rotation,omitempty"`
	RotationError string                 `json:"rotation_error,omitempty"`
	Handoff       bool                   `json:"handoff,omitempty"`
	Archived      string                 `json:"archived,omitempty"`
	DryRun        bool                   `json:"dry_run,omitempty"`
}

// Deps are the collaborators the engine drives. Sink, Audit, Metrics,
// Recoverer and Logger are optional.
type Deps struct {
	Classifier *classifier.Classifier
	Extractor  *signal.Extractor
	Store      classifier.Store // default: MemoryStore from Config.Store
	Registry   *registry.Registry
	Recoverer  *registry.Recoverer
	Registries host.RegistryResolver
	Routes     host.RouteResolver
	Sink       host.EventSink
	Audit      audit.Store
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Engine wires extraction, classification, rotation, handoff and persistence.
type Engine struct {
	cfg        Config
	classifier *classifier.Classifier
	extractor  atomic.Pointer[signal.Extractor]
	store      classifier.Store
	registry   *registry.Registry
	recoverer  *registry.Recoverer
	registries host.RegistryResolver
	routes     host.RouteResolver
	sink       host.EventSink
	audit      audit.Store
	metrics    *metrics.Metrics
	logger     *zap.Logger

	keys    *keyLocks
	dedupe  *Dedupe
	flusher *persist.Flusher

	// now is the clock for background eviction. Tests override it.
	now func() time.Time

	start  sync.Once
	stop   sync.Once
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an engine. Call Restore, then Start; Close on shutdown.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Classifier == nil || deps.Extractor == nil || deps.Registry == nil {
		return nil, fmt.Errorf("%w: classifier, extractor and registry are required", ErrMissingDependency)
	}
	if deps.Registries == nil || deps.Routes == nil {
		return nil, fmt.Errorf("%w: registry and route resolvers are required", ErrMissingDependency)
	}
	if err := cfg.Handoff.Validate(); err != nil {
		return nil, err
	}
	if cfg.RecoverOrphans && !cfg.ArchiveTranscripts {
		return nil, fmt.Errorf("%w: recover_orphans requires archive_transcripts", ErrInvalidConfig)
	}
	def := DefaultConfig()
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = def.EvictInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := deps.Store
	if store == nil {
		store = classifier.NewMemoryStore(cfg.Store)
	}

	e := &Engine{
		cfg:        cfg,
		classifier: deps.Classifier,
		store:      store,
		registry:   deps.Registry,
		recoverer:  deps.Recoverer,
		registries: deps.Registries,
		routes:     deps.Routes,
		sink:       deps.Sink,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		logger:     logger,
		keys:       newKeyLocks(),
		dedupe:     NewDedupe(cfg.DedupeWindow),
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	e.extractor.Store(deps.Extractor)

	if cfg.StatePath != "" {
		e.flusher = persist.NewFlusher(cfg.StatePath, cfg.Flush, e.snapshot, logger)
		e.flusher.OnFlush = e.metrics.Flush
	}
	return e, nil
}

// OnMessage classifies one event and, when the topic moved, rotates the
// session. Only route resolution failures are returned as errors; every
// other failure is logged and reported in the Decision.
//
// A rotation runs inline under the session's key lock and may wait up to the
// registry lock timeout. Hosts should call it off their reply path.
func (e *Engine) OnMessage(ctx context.Context, ev Event) (Decision, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "topicshift.on_message")
	defer span.End()

	now := ev.At
	if now.IsZero() {
		now = time.Now()
	}
	role := ev.Role
	if role == "" {
		role = classifier.RoleUser
	}

	key, agent, err := e.routes.ResolveRoute(ev.Route)
	if err != nil {
		e.logger.Warn("topic-shift skip",
			zap.String("reason", string(SkipUnroutable)),
			zap.String("channel", ev.Route.Channel),
			zap.Error(err),
		)
		e.metrics.Skip(string(SkipUnroutable))
		span.SetStatus(codes.Error, "route unresolved")
		return Decision{Skip: SkipUnroutable}, err
	}
	d := Decision{SessionKey: key, AgentID: agent, DryRun: e.cfg.DryRun}
	span.SetAttributes(attribute.String("session_key", key), attribute.String("agent_id", agent))

	sig, skip := e.extractor.Load().Extract(ev.Text, ev.Provider)
	if skip != signal.SkipNone {
		e.logger.Debug("topic-shift skip",
			zap.String("session_key", key),
			zap.String("reason", string(skip)),
			zap.String("role", role),
		)
		e.metrics.Skip(string(skip))
		d.Skip = skip
		return d, nil
	}

	unlock := e.keys.lock(key)
	defer unlock()

	dk := DedupeKey(key, signal.Fingerprint(sig.Text))
	if e.dedupe.Seen(dk, now) {
		e.logger.Debug("topic-shift skip",
			zap.String("session_key", key),
			zap.String("reason", "duplicate"),
		)
		e.metrics.Skip("duplicate")
		d.Duplicate = true
		return d, nil
	}

	st, ok := e.store.Get(key)
	if !ok {
		st = &classifier.SessionState{}
	}
	began := time.Now()
	res := e.classifier.Classify(ctx, st, classifier.Input{Signal: sig, Role: role, Now: now})
	e.metrics.ObserveMessage(string(res.Decision), res.Metrics.Score, res.Metrics.UsedEmbedding, time.Since(began))
	e.store.Put(key, st)
	e.markDirty()

	d.Decision = res.Decision
	d.Withheld = res.Withheld
	metricsCopy := res.Metrics
	d.Metrics = &metricsCopy
	span.SetAttributes(
		attribute.String("decision", string(res.Decision)),
		attribute.Float64("score", res.Metrics.Score),
	)
	e.logClassify(key, agent, role, res)

	if res.Decision.IsRotation() {
		e.dedupe.Record(dk, now)
		e.rotate(ctx, &d, res, now)
	}
	return d, nil
}

func (e *Engine) logClassify(key, agent, role string, res classifier.Result) {
	fields := []zap.Field{
		zap.String("session_key", key),
		zap.String("agent_id", agent),
		zap.String("role", role),
		zap.String("decision", string(res.Decision)),
		zap.Float64("score", res.Metrics.Score),
		zap.Float64("novelty", res.Metrics.Novelty),
		zap.Float64("distance", res.Metrics.LexicalDistance),
		zap.Bool("used_embedding", res.Metrics.UsedEmbedding),
		zap.Int("pending_soft_signals", res.Metrics.PendingSoftSignals),
	}
	if res.Metrics.Similarity != nil {
		fields = append(fields, zap.Float64("similarity", *res.Metrics.Similarity))
	}
	if res.Withheld {
		fields = append(fields, zap.Bool("withheld", true))
	}
	e.logger.Info("topic-shift classify", fields...)
}

// rotate executes a rotation decision. The in-memory state has already been
// reset by the classifier; failures here only affect the registry side.
func (e *Engine) rotate(ctx context.Context, d *Decision, res classifier.Result, now time.Time) {
	ctx, span := telemetry.Tracer().Start(ctx, "topicshift.rotate")
	defer span.End()
	began := time.Now()

	rec := audit.Rotation{
		SessionKey:    d.SessionKey,
		AgentID:       d.AgentID,
		Decision:      string(res.Decision),
		Score:         res.Metrics.Score,
		Novelty:       res.Metrics.Novelty,
		Similarity:    res.Metrics.Similarity,
		UsedEmbedding: res.Metrics.UsedEmbedding,
		CreatedAt:     now,
	}
	defer func() {
		e.metrics.ObserveRotation(string(res.Decision), rec.Outcome, time.Since(began))
		e.record(ctx, rec)
		e.flushUrgent()
	}()

	fail := func(outcome string, err error) {
		rec.Outcome = outcome
		rec.Reason = err.Error()
		d.RotationError = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		e.logger.Warn("topic-shift rotate",
			zap.String("session_key", d.SessionKey),
			zap.String("agent_id", d.AgentID),
			zap.String("decision", string(res.Decision)),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}

	path, err := e.registries.RegistryPath(d.AgentID)
	if err != nil {
		fail(audit.OutcomeFailed, err)
		return
	}

	if e.recoverer != nil && e.cfg.RecoverOrphans && !e.cfg.DryRun {
		_, _ = e.recoverer.RecoverOnce(ctx, path, d.AgentID)
	}

	rr, err := e.registry.Rotate(ctx, registry.RotateRequest{
		Path:       path,
		SessionKey: d.SessionKey,
		DryRun:     e.cfg.DryRun,
		Now:        now,
	})
	if err != nil {
		outcome := audit.OutcomeFailed
		if errors.Is(err, registry.ErrEntryNotFound) {
			outcome = audit.OutcomeNotFound
		}
		fail(outcome, err)
		return
	}

	d.Rotation = rr
	rec.OldSessionID = rr.OldSessionID
	rec.NewSessionID = rr.NewSessionID
	rec.Outcome = audit.OutcomeRotated
	if rr.DryRun {
		rec.Outcome = audit.OutcomeDryRun
	}
	e.logger.Info("topic-shift rotate",
		zap.String("session_key", rr.SessionKey),
		zap.String("agent_id", d.AgentID),
		zap.String("decision", string(res.Decision)),
		zap.String("old_session_id", rr.OldSessionID),
		zap.String("new_session_id", rr.NewSessionID),
		zap.Bool("dry_run", rr.DryRun),
	)

	if rr.DryRun || rr.Transcript == "" {
		return
	}
	d.Handoff = e.emitHandoff(ctx, d.SessionKey, rr, now)
	rec.HandoffQueued = d.Handoff

	if e.cfg.ArchiveTranscripts {
		archived, err := registry.ArchiveTranscript(rr.Transcript, now)
		if err != nil {
			e.logger.Warn("topic-shift archive failed",
				zap.String("session_key", d.SessionKey),
				zap.String("transcript", rr.Transcript),
				zap.Error(err),
			)
		}
		d.Archived = archived
	}
}

// emitHandoff queues the previous session's tail for the new session.
func (e *Engine) emitHandoff(ctx context.Context, key string, rr *registry.RotateResult, now time.Time) bool {
	if e.sink == nil || !e.cfg.Handoff.Enabled() {
		return false
	}
	text, err := handoff.Build(e.cfg.Handoff, rr.Transcript)
	if err != nil {
		e.logger.Warn("topic-shift handoff skipped",
			zap.String("session_key", key),
			zap.String("transcript", rr.Transcript),
			zap.Error(err),
		)
		e.metrics.Handoff("skipped")
		return false
	}
	err = e.sink.Enqueue(ctx, host.ContextEvent{
		SessionKey: key,
		Text:       text,
		DedupeKey:  handoff.DedupeKey(key, rr.NewSessionID),
		CreatedAt:  now,
	})
	if err != nil {
		e.logger.Warn("topic-shift handoff skipped", zap.String("session_key", key), zap.Error(err))
		e.metrics.Handoff("failed")
		return false
	}
	e.metrics.Handoff("queued")
	return true
}

func (e *Engine) record(ctx context.Context, rec audit.Rotation) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Record(ctx, rec); err != nil {
		e.logger.Warn("topic-shift audit failed", zap.String("session_key", rec.SessionKey), zap.Error(err))
	}
}

// PrependContext returns the clarification prompt when a steer ticket for
// sessionKey is ready to be injected. Each ticket is handed out once.
func (e *Engine) PrependContext(_ context.Context, sessionKey string, now time.Time) (string, bool) {
	if sessionKey == "" {
		return "", false
	}
	if now.IsZero() {
		now = time.Now()
	}
	unlock := e.keys.lock(sessionKey)
	defer unlock()

	st, ok := e.store.Get(sessionKey)
	if !ok {
		return "", false
	}
	prompt, consumed, next := classifier.TryConsumeSteer(st, now, e.classifier.Config().Steer.Prompt)
	if next != st {
		e.store.Put(sessionKey, next)
		e.markDirty()
	}
	if consumed {
		e.logger.Info("topic-shift steer", zap.String("session_key", sessionKey))
	}
	return prompt, consumed
}

// ResolveRoute exposes the route resolver to adapters.
func (e *Engine) ResolveRoute(r host.Route) (string, string, error) {
	return e.routes.ResolveRoute(r)
}

// SessionState returns a copy of the tracked state for key.
func (e *Engine) SessionState(key string) (*classifier.SessionState, bool) {
	return e.store.Get(key)
}

// Sessions returns the number of tracked sessions.
func (e *Engine) Sessions() int {
	return e.store.Len()
}

// ForgetSession drops tracked state for key.
func (e *Engine) ForgetSession(key string) error {
	if key == "" {
		return ErrEmptySessionKey
	}
	unlock := e.keys.lock(key)
	defer unlock()
	e.store.Delete(key)
	e.markDirty()
	return nil
}

// Classifier returns the underlying classifier.
func (e *Engine) Classifier() *classifier.Classifier {
	return e.classifier
}

// UpdateConfig swaps the classifier configuration.
func (e *Engine) UpdateConfig(cfg classifier.Config) error {
	return e.classifier.SetConfig(cfg)
}

// SetExtractor swaps the signal extractor.
func (e *Engine) SetExtractor(ex *signal.Extractor) {
	if ex != nil {
		e.extractor.Store(ex)
	}
}
