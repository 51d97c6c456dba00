// Package embedding provides the optional semantic signal for topic-shift
// classification. Backends: OpenAI-compatible HTTP, Ollama (local), and
// Google GenAI. Every backend may fail; callers degrade to lexical scoring.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Common errors.
var (
	ErrNoBackend       = errors.New("no embedding backend available")
	ErrEmptyEmbedding  = errors.New("backend returned an empty embedding")
	ErrUnknownProvider = errors.New("unknown embedding provider")
)

// Provider names accepted in Config.Provider.
const (
	ProviderAuto   = "auto"
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGenAI  = "genai"
)

// Backend turns text into a vector.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// Prober is implemented by backends that can check reachability cheaply.
// Resolve uses it to decide whether "auto" should pick the backend.
type Prober interface {
	Probe(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	// Provider: auto, none, openai, ollama, genai. Default: auto.
	Provider string `json:"provider"`

	// Timeout bounds each Embed call. Default: 2.5s.
	Timeout time.Duration `json:"timeout"`

	// ProbeTimeout bounds the auto-selection probe. Default: 1s.
	ProbeTimeout time.Duration `json:"probe_timeout"`

	OpenAIBaseURL string `json:"openai_base_url"` // Default: https://api.openai.com
	OpenAIAPIKey  string `json:"openai_api_key"`
	OpenAIModel   string `json:"openai_model"` // Default: text-embedding-3-small

	OllamaEndpoint string `json:"ollama_endpoint"` // Default: http://localhost:11434
	OllamaModel    string `json:"ollama_model"`    // Default: nomic-embed-text

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"` // Default: gemini-embedding-001
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       ProviderAuto,
		Timeout:        2500 * time.Millisecond,
		ProbeTimeout:   time.Second,
		OpenAIBaseURL:  "https://api.openai.com",
		OpenAIModel:    "text-embedding-3-small",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "nomic-embed-text",
		GenAIModel:     "gemini-embedding-001",
	}
}

// Resolve builds the backend named by cfg.Provider. It returns (nil, nil)
// for "none" and for "auto" when nothing is reachable; the caller then runs
// lexical-only for the life of the process.
//
// auto: OpenAI when an API key is configured, else Ollama when its probe
// succeeds, else nothing.
func Resolve(ctx context.Context, cfg Config, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderAuto
	}

	var (
		backend Backend
		err     error
	)
	switch provider {
	case ProviderNone:
		logger.Info("topic-shift embedding disabled")
		return nil, nil
	case ProviderOpenAI:
		backend, err = NewOpenAIBackend(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	case ProviderOllama:
		backend, err = NewOllamaBackend(cfg.OllamaEndpoint, cfg.OllamaModel)
	case ProviderGenAI:
		backend, err = NewGenAIBackend(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
	case ProviderAuto:
		backend = resolveAuto(ctx, cfg, logger)
		if backend == nil {
			logger.Warn("topic-shift embedding unavailable, using lexical scoring only")
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("%w: %s (use auto, none, openai, ollama or genai)", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s backend: %w", provider, err)
	}

	logger.Info("topic-shift embedding backend ready", zap.String("backend", backend.Name()))
	return WithTimeout(backend, cfg.Timeout), nil
}

func resolveAuto(ctx context.Context, cfg Config, logger *zap.Logger) Backend {
	if cfg.OpenAIAPIKey != "" {
		b, err := NewOpenAIBackend(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err == nil {
			return b
		}
		logger.Debug("topic-shift openai backend rejected", zap.Error(err))
	}

	ollama, err := NewOllamaBackend(cfg.OllamaEndpoint, cfg.OllamaModel)
	if err != nil {
		logger.Debug("topic-shift ollama backend rejected", zap.Error(err))
		return nil
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := ollama.Probe(probeCtx); err != nil {
		logger.Debug("topic-shift ollama probe failed", zap.Error(err))
		return nil
	}
	return ollama
}

// timeoutBackend bounds every call with a per-request deadline.
type timeoutBackend struct {
	inner   Backend
	timeout time.Duration
}

// WithTimeout wraps b so each Embed call is cancelled after d.
// A non-positive d returns b unchanged.
func WithTimeout(b Backend, d time.Duration) Backend {
	if b == nil || d <= 0 {
		return b
	}
	return &timeoutBackend{inner: b, timeout: d}
}

func (t *timeoutBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Embed(ctx, text)
}

func (t *timeoutBackend) Name() string { return t.inner.Name() }
