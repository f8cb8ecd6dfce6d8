package adapter

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/interfaces"
)

const defaultClaudeModel = "claude-sonnet-4-5"

// Claude is a Generator backed by the Anthropic Messages API.
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

type ClaudeOption func(*Claude)

func WithClaudeModel(model string) ClaudeOption {
	return func(c *Claude) {
		c.model = model
	}
}

func WithClaudeMaxTokens(n int64) ClaudeOption {
	return func(c *Claude) {
		c.maxTokens = n
	}
}

func NewClaude(apiKey string, opts ...ClaudeOption) *Claude {
	c := &Claude{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     defaultClaudeModel,
		maxTokens: 2048,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Claude) Generate(ctx context.Context, req *interfaces.GenerateRequest) (string, error) {
	system := req.System
	if req.Schema != nil {
		// the Messages API has no response schema, so the schema goes into the system prompt
		raw, err := json.Marshal(req.Schema)
		if err != nil {
			return "", goerr.Wrap(err, "failed to encode response schema")
		}
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON object and nothing else. It must conform to this JSON Schema:\n" + string(raw))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "failed to call claude", goerr.V("model", c.model))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", goerr.New("empty response from claude", goerr.V("model", c.model))
	}
	return text.String(), nil
}
