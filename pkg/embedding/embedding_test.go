package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOllamaBackendEmbed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "hello world", req.Prompt)
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	b, err := NewOllamaBackend(srv.URL, "")
	require.NoError(t, err)

	vec, err := b.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "ollama:nomic-embed-text", b.Name())
}

func TestOllamaBackendStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	b, err := NewOllamaBackend(srv.URL, "missing")
	require.NoError(t, err)

	_, err = b.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOllamaBackendEmptyEmbedding(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[]}`))
	}))
	defer srv.Close()

	b, err := NewOllamaBackend(srv.URL, "")
	require.NoError(t, err)

	_, err = b.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmptyEmbedding)
}

func TestOpenAIBackendEmbed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend(srv.URL+"/", "sk-test", "")
	require.NoError(t, err)

	vec, err := b.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
}

func TestOpenAIBackendRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAIBackend("", "", "")
	require.Error(t, err)
}

func TestWithTimeoutCancelsSlowBackend(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	inner, err := NewOllamaBackend(srv.URL, "")
	require.NoError(t, err)
	b := WithTimeout(inner, 50*time.Millisecond)

	start := time.Now()
	_, err = b.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, inner.Name(), b.Name())
}

func TestWithTimeoutNonPositive(t *testing.T) {
	t.Parallel()

	inner, err := NewOllamaBackend("", "")
	require.NoError(t, err)
	assert.Same(t, Backend(inner), WithTimeout(inner, 0))
	assert.Nil(t, WithTimeout(nil, time.Second))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer healthy.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantNil  bool
		wantName string
		wantErr  error
	}{
		{
			name:    "none",
			mutate:  func(c *Config) { c.Provider = ProviderNone },
			wantNil: true,
		},
		{
			name: "auto prefers openai key",
			mutate: func(c *Config) {
				c.OpenAIAPIKey = "sk-test"
				c.OllamaEndpoint = healthy.URL
			},
			wantName: "openai:text-embedding-3-small",
		},
		{
			name:     "auto falls back to reachable ollama",
			mutate:   func(c *Config) { c.OllamaEndpoint = healthy.URL },
			wantName: "ollama:nomic-embed-text",
		},
		{
			name:    "auto with nothing reachable",
			mutate:  func(c *Config) { c.OllamaEndpoint = down.URL },
			wantNil: true,
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Provider = "bogus" },
			wantErr: ErrUnknownProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			b, err := Resolve(context.Background(), cfg, zap.NewNop())
			if tt.wantErr != nil {
				require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, b)
				return
			}
			require.NotNil(t, b)
			assert.Equal(t, tt.wantName, b.Name())
		})
	}
}

func TestResolveExplicitOpenAIWithoutKey(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Provider = ProviderOpenAI
	_, err := Resolve(context.Background(), cfg, nil)
	require.Error(t, err)
}
