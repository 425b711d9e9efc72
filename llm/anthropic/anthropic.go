// Package anthropic implements llm.Generator on the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nebulachat/nebula/core"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// Generator calls the Anthropic Messages API with the persona as the
// system prompt.
type Generator struct {
	client    anthropic.Client
	model     string
	persona   string
	maxTokens int64
}

// New creates an Anthropic generator. An empty model selects the default.
func New(apiKey, model, persona string) (*Generator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic generator: API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	return &Generator{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		persona:   persona,
		maxTokens: defaultMaxTokens,
	}, nil
}

// Generate produces a completion for the turn sequence. The "model" role
// maps onto Anthropic's assistant role.
func (g *Generator) Generate(ctx context.Context, turns []core.Turn) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == core.RoleModel {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages:  messages,
	}
	if g.persona != "" {
		params.System = []anthropic.TextBlockParam{{Text: g.persona}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic generate: empty completion")
	}
	return text, nil
}
