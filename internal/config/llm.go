package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"gwi.com/chat-memory/internal/core"
	"gwi.com/chat-memory/internal/utils/logging"
)

// LLM holds CLI flags for the model providers. Embeddings always come from
// Gemini; replies come from the configured provider.
type LLM struct {
	provider        string
	geminiAPIKey    string `masq:"secret"`
	geminiChatModel string
	embeddingModel  string
	anthropicAPIKey string `masq:"secret"`
	claudeModel     string
	replyTimeout    time.Duration
	embedTimeout    time.Duration
	cacheSize       int
}

func (l *LLM) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm-provider",
			Usage:       "Reply provider (gemini or claude)",
			Value:       "gemini",
			Sources:     cli.EnvVars("LLM_PROVIDER"),
			Destination: &l.provider,
		},
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key, used for embeddings and for gemini replies",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &l.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-chat-model",
			Usage:       "Gemini model for replies, topics and titles",
			Value:       core.DefaultGeminiChatModel,
			Sources:     cli.EnvVars("GEMINI_CHAT_MODEL"),
			Destination: &l.geminiChatModel,
		},
		&cli.StringFlag{
			Name:        "gemini-embedding-model",
			Usage:       "Gemini embedding model",
			Value:       core.DefaultGeminiEmbeddingModel,
			Sources:     cli.EnvVars("GEMINI_EMBEDDING_MODEL"),
			Destination: &l.embeddingModel,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key (required for the claude provider)",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &l.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model for replies, topics and titles",
			Value:       core.DefaultClaudeModel,
			Sources:     cli.EnvVars("CLAUDE_MODEL"),
			Destination: &l.claudeModel,
		},
		&cli.DurationFlag{
			Name:        "reply-timeout",
			Usage:       "Upper bound for one reply, topic or title call",
			Value:       core.DefaultReplyTimeout,
			Sources:     cli.EnvVars("LLM_REPLY_TIMEOUT"),
			Destination: &l.replyTimeout,
		},
		&cli.DurationFlag{
			Name:        "embed-timeout",
			Usage:       "Upper bound for one embedding call",
			Value:       core.DefaultEmbedTimeout,
			Sources:     cli.EnvVars("LLM_EMBED_TIMEOUT"),
			Destination: &l.embedTimeout,
		},
		&cli.IntFlag{
			Name:        "embedding-cache-size",
			Usage:       "Number of embeddings kept in memory; 0 disables the cache",
			Value:       10000,
			Sources:     cli.EnvVars("EMBEDDING_CACHE_SIZE"),
			Destination: &l.cacheSize,
		},
	}
}

func (l *LLM) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("provider", l.provider),
		slog.String("gemini_chat_model", l.geminiChatModel),
		slog.String("embedding_model", l.embeddingModel),
		slog.String("claude_model", l.claudeModel),
		slog.Duration("reply_timeout", l.replyTimeout),
		slog.Duration("embed_timeout", l.embedTimeout),
		slog.Int("embedding_cache_size", l.cacheSize),
	}
}

// Configure builds the gateway. The returned function releases the provider
// clients and the embedding cache.
func (l *LLM) Configure(ctx context.Context) (*core.LLMService, func(), error) {
	if l.geminiAPIKey == "" {
		return nil, nil, goerr.New("gemini-api-key is required for embeddings")
	}
	if l.cacheSize < 0 {
		return nil, nil, goerr.New("embedding-cache-size must not be negative", goerr.V("size", l.cacheSize))
	}

	gemini, err := core.NewGeminiClient(ctx, l.geminiAPIKey, l.geminiChatModel, l.embeddingModel)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create gemini client")
	}

	var generator core.Generator
	switch l.provider {
	case "gemini":
		generator = gemini
	case "claude":
		if l.anthropicAPIKey == "" {
			_ = gemini.Close()
			return nil, nil, goerr.New("anthropic-api-key is required when using claude provider")
		}
		generator = core.NewClaudeClient(l.anthropicAPIKey, l.claudeModel)
	default:
		_ = gemini.Close()
		return nil, nil, goerr.New("invalid llm provider", goerr.V("provider", l.provider))
	}

	svc, err := core.NewLLMService(generator, gemini,
		core.WithReplyTimeout(l.replyTimeout),
		core.WithEmbedTimeout(l.embedTimeout),
		core.WithEmbeddingCache(int64(l.cacheSize)),
	)
	if err != nil {
		_ = gemini.Close()
		return nil, nil, err
	}

	logging.From(ctx).Info("LLM gateway configured", "provider", l.provider)
	closer := func() {
		svc.Close()
		if err := gemini.Close(); err != nil {
			logging.Default().Error("failed to close gemini client", "error", err)
		}
	}
	return svc, closer, nil
}
