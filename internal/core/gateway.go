package core

import (
	"context"
	"errors"
)

// ErrUpstreamUnavailable wraps every failure or timeout of a model provider.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role Role
	Text string
}

// Gateway is everything the core needs from language models.
type Gateway interface {
	GenerateReply(ctx context.Context, turns []Turn) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	ExtractTopics(ctx context.Context, text string) ([]string, error)
}

// Generator produces a completion for an ordered list of turns.
type Generator interface {
	Generate(ctx context.Context, turns []Turn) (string, error)
}

// Embedder produces a vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
