package core

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"

	"gwi.com/chat-memory/internal/utils/logging"
)

const (
	DefaultReplyTimeout = 60 * time.Second
	DefaultEmbedTimeout = 30 * time.Second

	defaultEmbeddingCacheSize = 10000
	maxTopics                 = 4

	topicSystemInstruction = "Extract 2 to 4 short, high-level topics from the user's message. " +
		"Return ONLY a JSON array of strings. " +
		"No explanation, no markdown."
)

// LLMService implements Gateway on top of a Generator and an Embedder,
// bounding every call by a timeout and caching embeddings by text.
type LLMService struct {
	generator    Generator
	embedder     Embedder
	cache        *ristretto.Cache
	replyTimeout time.Duration
	embedTimeout time.Duration
	cacheSize    int64
}

var _ Gateway = (*LLMService)(nil)

type LLMOption func(*LLMService)

func WithReplyTimeout(d time.Duration) LLMOption {
	return func(s *LLMService) { s.replyTimeout = d }
}

func WithEmbedTimeout(d time.Duration) LLMOption {
	return func(s *LLMService) { s.embedTimeout = d }
}

// WithEmbeddingCache sets how many embeddings are kept. 0 disables caching.
func WithEmbeddingCache(size int64) LLMOption {
	return func(s *LLMService) { s.cacheSize = size }
}

func NewLLMService(generator Generator, embedder Embedder, opts ...LLMOption) (*LLMService, error) {
	s := &LLMService{
		generator:    generator,
		embedder:     embedder,
		replyTimeout: DefaultReplyTimeout,
		embedTimeout: DefaultEmbedTimeout,
		cacheSize:    defaultEmbeddingCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: s.cacheSize * 10,
			MaxCost:     s.cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create embedding cache", goerr.V("size", s.cacheSize))
		}
		s.cache = cache
	}
	return s, nil
}

func (s *LLMService) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

func (s *LLMService) GenerateReply(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", goerr.New("no turns to generate from")
	}

	ctx, cancel := context.WithTimeout(ctx, s.replyTimeout)
	defer cancel()

	reply, err := s.generator.Generate(ctx, turns)
	if err != nil {
		return "", goerr.Wrap(ErrUpstreamUnavailable, "reply generation failed",
			goerr.V("cause", err.Error()), goerr.V("turns", len(turns)))
	}
	return reply, nil
}

func (s *LLMService) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(text); ok {
			if embedding, ok := v.([]float32); ok {
				return embedding, nil
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.embedTimeout)
	defer cancel()

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(ErrUpstreamUnavailable, "embedding failed", goerr.V("cause", err.Error()))
	}
	if len(embedding) == 0 {
		return nil, goerr.Wrap(ErrUpstreamUnavailable, "empty embedding returned")
	}

	if s.cache != nil {
		s.cache.Set(text, embedding, 1)
	}
	return embedding, nil
}

// ExtractTopics asks the generator for 2 to 4 topics. Output that is not a
// JSON array of strings yields no topics rather than an error.
func (s *LLMService) ExtractTopics(ctx context.Context, text string) ([]string, error) {
	raw, err := s.GenerateReply(ctx, []Turn{
		{Role: RoleSystem, Text: topicSystemInstruction},
		{Role: RoleUser, Text: text},
	})
	if err != nil {
		return nil, err
	}

	topics, ok := parseTopics(raw)
	if !ok {
		logging.From(ctx).Debug("topic extraction returned unparseable output", "output", raw)
		return []string{}, nil
	}
	return topics, nil
}

func parseTopics(raw string) ([]string, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false
	}

	topics := make([]string, 0, maxTopics)
	for _, item := range items {
		name, ok := item.(string)
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		topics = append(topics, name)
		if len(topics) == maxTopics {
			break
		}
	}
	return topics, true
}
