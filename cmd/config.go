package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/topicshift/pkg/audit"
	"github.com/Siddhant-K-code/topicshift/pkg/classifier"
	"github.com/Siddhant-K-code/topicshift/pkg/embedding"
	"github.com/Siddhant-K-code/topicshift/pkg/engine"
	"github.com/Siddhant-K-code/topicshift/pkg/handoff"
	"github.com/Siddhant-K-code/topicshift/pkg/host"
	"github.com/Siddhant-K-code/topicshift/pkg/metrics"
	"github.com/Siddhant-K-code/topicshift/pkg/persist"
	"github.com/Siddhant-K-code/topicshift/pkg/registry"
	"github.com/Siddhant-K-code/topicshift/pkg/signal"
	"github.com/Siddhant-K-code/topicshift/pkg/storage"
	"github.com/Siddhant-K-code/topicshift/pkg/telemetry"
)

func setDefaults() {
	viper.SetDefault("classifier.preset", "balanced")

	viper.SetDefault("embedding.provider", embedding.ProviderAuto)
	viper.SetDefault("embedding.timeout", "2500ms")

	viper.SetDefault("rotation.registry_path", "~/.gateway/agents/{agent}/sessions/sessions.json")
	viper.SetDefault("rotation.dedupe_window", "30s")
	viper.SetDefault("rotation.archive_transcripts", true)
	viper.SetDefault("rotation.recover_orphans", true)
	viper.SetDefault("rotation.lock_timeout", "10s")
	viper.SetDefault("rotation.lock_stale_after", "30s")

	viper.SetDefault("handoff.mode", handoff.ModeSummary)
	viper.SetDefault("handoff.last_n", 6)
	viper.SetDefault("handoff.max_chars", 280)

	viper.SetDefault("persist.interval", "30s")
	viper.SetDefault("persist.shutdown_timeout", "5s")

	viper.SetDefault("store.max_sessions", 5000)
	viper.SetDefault("store.ttl", "24h")

	viper.SetDefault("audit.retention", "720h")

	viper.SetDefault("telemetry.exporter", telemetry.ExporterNone)
	viper.SetDefault("telemetry.sample_ratio", 1.0)

	viper.SetDefault("server.addr", ":8787")
	viper.SetDefault("server.outbox_per_session", 16)
}

// classifierConfig starts from the configured preset and applies explicit
// overrides.
func classifierConfig() (classifier.Config, error) {
	cfg, err := classifier.Preset(viper.GetString("classifier.preset"))
	if err != nil {
		return cfg, err
	}

	floats := map[string]*float64{
		"classifier.soft":                   &cfg.Soft,
		"classifier.hard":                   &cfg.Hard,
		"classifier.soft_similarity":        &cfg.SoftSimilarity,
		"classifier.soft_novelty":           &cfg.SoftNovelty,
		"classifier.hard_similarity":        &cfg.HardSimilarity,
		"classifier.hard_novelty":           &cfg.HardNovelty,
		"classifier.embed_margin":           &cfg.EmbedMargin,
		"classifier.embed_novelty_trigger":  &cfg.EmbedNoveltyTrigger,
		"classifier.embed_distance_trigger": &cfg.EmbedDistanceTrigger,
	}
	for key, dst := range floats {
		if viper.IsSet(key) {
			*dst = viper.GetFloat64(key)
		}
	}
	ints := map[string]*int{
		"classifier.soft_consecutive":      &cfg.SoftConsecutive,
		"classifier.history_window":        &cfg.HistoryWindow,
		"classifier.min_history":           &cfg.MinHistory,
		"classifier.min_meaningful_tokens": &cfg.MinMeaningfulTokens,
	}
	for key, dst := range ints {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}
	if viper.IsSet("classifier.cooldown") {
		cfg.Cooldown = viper.GetDuration("classifier.cooldown")
	}

	if viper.IsSet("classifier.steer.enabled") {
		cfg.Steer.Enabled = viper.GetBool("classifier.steer.enabled")
	}
	if v := viper.GetString("classifier.steer.mode"); v != "" {
		cfg.Steer.Mode = v
	}
	if viper.IsSet("classifier.steer.ttl") {
		cfg.Steer.TTL = viper.GetDuration("classifier.steer.ttl")
	}
	if v := viper.GetString("classifier.steer.prompt"); v != "" {
		cfg.Steer.Prompt = v
	}

	return cfg, cfg.Validate()
}

func signalConfig() signal.Config {
	cfg := signal.DefaultConfig()
	if viper.IsSet("signal.min_token_length") {
		cfg.MinTokenLength = viper.GetInt("signal.min_token_length")
	}
	if viper.IsSet("signal.min_chars") {
		cfg.MinChars = viper.GetInt("signal.min_chars")
	}
	if viper.IsSet("signal.min_tokens") {
		cfg.MinTokens = viper.GetInt("signal.min_tokens")
	}
	if viper.IsSet("signal.min_entropy") {
		cfg.MinEntropy = viper.GetFloat64("signal.min_entropy")
	}
	if viper.IsSet("signal.command_prefixes") {
		cfg.CommandPrefixes = viper.GetStringSlice("signal.command_prefixes")
	}
	if viper.IsSet("signal.ignored_providers") {
		cfg.IgnoredProviders = viper.GetStringSlice("signal.ignored_providers")
	}
	cfg.StripLinePrefixes = append(cfg.StripLinePrefixes, viper.GetStringSlice("signal.strip_line_prefixes")...)
	cfg.StripExactLines = append(cfg.StripExactLines, viper.GetStringSlice("signal.strip_exact_lines")...)
	cfg.StripFencedHeaders = append(cfg.StripFencedHeaders, viper.GetStringSlice("signal.strip_fenced_headers")...)
	return cfg
}

func embeddingConfig() embedding.Config {
	cfg := embedding.DefaultConfig()
	cfg.Provider = viper.GetString("embedding.provider")
	if d := viper.GetDuration("embedding.timeout"); d > 0 {
		cfg.Timeout = d
	}

	cfg.OpenAIAPIKey = viper.GetString("embedding.openai_api_key")
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := viper.GetString("embedding.openai_base_url"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := viper.GetString("embedding.openai_model"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := viper.GetString("embedding.ollama_endpoint"); v != "" {
		cfg.OllamaEndpoint = v
	}
	if v := viper.GetString("embedding.ollama_model"); v != "" {
		cfg.OllamaModel = v
	}
	cfg.GenAIAPIKey = viper.GetString("embedding.genai_api_key")
	if cfg.GenAIAPIKey == "" {
		cfg.GenAIAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	if v := viper.GetString("embedding.genai_model"); v != "" {
		cfg.GenAIModel = v
	}
	return cfg
}

func registryConfig() registry.Config {
	cfg := registry.DefaultConfig()
	cfg.Lock = storage.DefaultLockConfig()
	if d := viper.GetDuration("rotation.lock_timeout"); d > 0 {
		cfg.Lock.Timeout = d
	}
	if d := viper.GetDuration("rotation.lock_stale_after"); d > 0 {
		cfg.Lock.StaleAfter = d
	}
	return cfg
}

func handoffConfig() handoff.Config {
	cfg := handoff.DefaultConfig()
	cfg.Mode = viper.GetString("handoff.mode")
	cfg.LastN = viper.GetInt("handoff.last_n")
	cfg.MaxChars = viper.GetInt("handoff.max_chars")
	return cfg
}

// stateDir resolves persist.state_dir, defaulting to ~/.topicshift.
func stateDir() (string, error) {
	dir := viper.GetString("persist.state_dir")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve state dir: %w", err)
		}
		return filepath.Join(home, ".topicshift"), nil
	}
	return host.ExpandHome(dir)
}

func auditPath() (string, error) {
	if p := viper.GetString("audit.db_path"); p != "" {
		return host.ExpandHome(p)
	}
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return filepath.Join(dir, "rotations.db"), nil
}

func openAuditStore() (*audit.SQLiteStore, error) {
	path, err := auditPath()
	if err != nil {
		return nil, err
	}
	cfg := audit.DefaultConfig()
	cfg.Retention = viper.GetDuration("audit.retention")
	return audit.NewSQLiteStore(path, cfg)
}

// runtimeOptions adjust newRuntime for one-shot commands.
type runtimeOptions struct {
	dryRun   bool // forces rotation.dry_run
	noState  bool // skip snapshot persistence
	noAudit  bool
	registry prometheus.Registerer
}

// runtime is a fully wired engine plus the resources it owns.
type runtime struct {
	engine    *engine.Engine
	outbox    *host.Outbox
	audit     *audit.SQLiteStore
	retention *audit.RetentionWorker
	metrics   *metrics.Metrics
	tracing   telemetry.ShutdownFunc
}

func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{}

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Exporter:    viper.GetString("telemetry.exporter"),
		Endpoint:    viper.GetString("telemetry.endpoint"),
		Insecure:    viper.GetBool("telemetry.insecure"),
		SampleRatio: viper.GetFloat64("telemetry.sample_ratio"),
		ServiceName: "topicshift",
		Writer:      os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	rt.tracing = shutdown

	if opts.registry != nil {
		rt.metrics = metrics.New(opts.registry)
	}

	ccfg, err := classifierConfig()
	if err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}
	extractor, err := signal.NewExtractor(signalConfig())
	if err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	backend, err := embedding.Resolve(ctx, embeddingConfig(), logger)
	if err != nil {
		// Misconfigured provider: run lexical-only rather than refuse to start.
		logger.Warn("topic-shift embedding disabled", zap.Error(err))
		backend = nil
	}
	clf, err := classifier.New(ccfg, engine.InstrumentBackend(backend, rt.metrics), logger)
	if err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	ecfg := engine.DefaultConfig()
	ecfg.DryRun = opts.dryRun || viper.GetBool("rotation.dry_run")
	ecfg.DedupeWindow = viper.GetDuration("rotation.dedupe_window")
	ecfg.ArchiveTranscripts = viper.GetBool("rotation.archive_transcripts")
	ecfg.RecoverOrphans = viper.GetBool("rotation.recover_orphans")
	ecfg.Handoff = handoffConfig()
	ecfg.Flush = persist.FlusherConfig{
		Interval:        viper.GetDuration("persist.interval"),
		ShutdownTimeout: viper.GetDuration("persist.shutdown_timeout"),
	}
	ecfg.Store = classifier.StoreConfig{
		MaxSessions: viper.GetInt("store.max_sessions"),
		TTL:         viper.GetDuration("store.ttl"),
	}
	if !opts.noState {
		dir, err := stateDir()
		if err != nil {
			return nil, errors.Join(err, rt.Close(ctx))
		}
		ecfg.StatePath = persist.DefaultPath(dir)
	}

	if !opts.noAudit {
		rt.audit, err = openAuditStore()
		if err != nil {
			return nil, errors.Join(err, rt.Close(ctx))
		}
		acfg := audit.DefaultConfig()
		acfg.Retention = viper.GetDuration("audit.retention")
		rt.retention = audit.NewRetentionWorker(rt.audit, acfg)
	}

	reg := registry.New(registryConfig(), logger)
	rt.outbox = host.NewOutbox(viper.GetInt("server.outbox_per_session"))
	deps := engine.Deps{
		Classifier: clf,
		Extractor:  extractor,
		Registry:   reg,
		Recoverer:  registry.NewRecoverer(reg, logger),
		Registries: host.PathTemplate(viper.GetString("rotation.registry_path")),
		Routes: host.StaticRoutes{
			DefaultAgent: viper.GetString("routes.default_agent"),
			Overrides:    viper.GetStringMapString("routes.overrides"),
		},
		Sink:    rt.outbox,
		Metrics: rt.metrics,
		Logger:  logger,
	}
	if rt.audit != nil {
		deps.Audit = rt.audit
	}

	rt.engine, err = engine.New(ecfg, deps)
	if err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}
	if err := rt.engine.Restore(ctx); err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}
	return rt, nil
}

// Start launches background workers.
func (rt *runtime) Start() {
	rt.engine.Start()
	if rt.retention != nil {
		rt.retention.Start()
	}
}

// Close stops workers, writes the final snapshot and releases resources.
// Safe on a partially built runtime.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Close(ctx))
	}
	if rt.retention != nil {
		rt.retention.Stop()
	}
	if rt.audit != nil {
		errs = append(errs, rt.audit.Close())
	}
	if rt.tracing != nil {
		errs = append(errs, rt.tracing(ctx))
	}
	return errors.Join(errs...)
}

// reload applies classifier and signal settings after a config change.
func (rt *runtime) reload() error {
	ccfg, err := classifierConfig()
	if err != nil {
		return err
	}
	extractor, err := signal.NewExtractor(signalConfig())
	if err != nil {
		return err
	}
	if err := rt.engine.UpdateConfig(ccfg); err != nil {
		return err
	}
	rt.engine.SetExtractor(extractor)
	return nil
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), viper.GetDuration("persist.shutdown_timeout")+5*time.Second)
}
