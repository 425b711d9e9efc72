// Package gemini implements memory.Embedder on the Gemini embedding API.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultModel = "gemini-embedding-001"

// Embeddings are requested at a fixed dimensionality so vectors stay
// comparable across model revisions.
const dimensions = 768

// Embedder calls the Gemini embedContent endpoint.
type Embedder struct {
	client *genai.Client
	model  string
}

// New creates a Gemini embedder. An empty model selects the default.
func New(ctx context.Context, apiKey, model string) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini embedder: API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Embedder{client: client, model: model}, nil
}

// Embed converts a single text to an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             "SEMANTIC_SIMILARITY",
		OutputDimensionality: genai.Ptr[int32](dimensions),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini embed: no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return dimensions
}
