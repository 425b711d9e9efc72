// Package gemini implements llm.Generator on the Gemini API.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/nebulachat/nebula/core"
)

const defaultModel = "gemini-2.0-flash"

// Generator calls the Gemini generateContent endpoint with a fixed system
// instruction and temperature.
type Generator struct {
	client      *genai.Client
	model       string
	persona     string
	temperature float32
}

// New creates a Gemini generator. An empty model selects the default.
func New(ctx context.Context, apiKey, model, persona string) (*Generator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini generator: API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Generator{
		client:      client,
		model:       model,
		persona:     persona,
		temperature: 0.7,
	}, nil
}

// Generate produces a completion for the turn sequence.
func (g *Generator) Generate(ctx context.Context, turns []core.Turn) (string, error) {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == core.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](g.temperature),
	}
	if g.persona != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: g.persona}},
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini generate: empty completion")
	}
	return text, nil
}
