package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIBackend generates embeddings with Google's Gemini API.
type GenAIBackend struct {
	client *genai.Client
	model  string
}

// NewGenAIBackend creates a GenAI embedding backend.
func NewGenAIBackend(ctx context.Context, apiKey, model string) (*GenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIBackend{client: client, model: model}, nil
}

// Embed generates an embedding for text.
func (b *GenAIBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := b.client.Models.EmbedContent(ctx, b.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return result.Embeddings[0].Values, nil
}

// Name returns the backend name.
func (b *GenAIBackend) Name() string {
	return "genai:" + b.model
}
