package core

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultClaudeModel     = "claude-3-5-haiku-latest"
	defaultClaudeMaxTokens = 1024
)

// ClaudeClient generates replies with the Anthropic Messages API. It has no
// embedding endpoint, so it is paired with another Embedder.
type ClaudeClient struct {
	client *anthropic.Client
	model  string
}

var _ Generator = (*ClaudeClient)(nil)

func NewClaudeClient(apiKey, model string) *ClaudeClient {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	if model == "" {
		model = DefaultClaudeModel
	}
	return &ClaudeClient{
		client: &client,
		model:  model,
	}
}

func (c *ClaudeClient) Generate(ctx context.Context, turns []Turn) (string, error) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, turn := range turns {
		switch turn.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: turn.Text})
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Text)))
		}
	}
	if len(messages) == 0 {
		return "", goerr.New("no user or assistant turns")
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: defaultClaudeMaxTokens,
		Messages:  messages,
		System:    system,
	})
	if err != nil {
		return "", goerr.Wrap(err, "claude API error", goerr.V("model", c.model))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", goerr.New("claude response had no text", goerr.V("model", c.model))
	}
	return text.String(), nil
}
