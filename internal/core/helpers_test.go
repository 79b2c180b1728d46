package core_test

import (
	"context"
	"errors"
	"hash/fnv"
	"slices"
	"sync"

	"gwi.com/chat-memory/internal/core"
)

var errFake = errors.New("fake upstream failure")

// fakeGateway answers from canned functions and records every prompt.
type fakeGateway struct {
	mu       sync.Mutex
	reply    func(turns []core.Turn) (string, error)
	topics   func(text string) ([]string, error)
	embedErr error
	prompts  [][]core.Turn
	embedded []string
}

var _ core.Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) GenerateReply(ctx context.Context, turns []core.Turn) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, slices.Clone(turns))
	g.mu.Unlock()

	if g.reply == nil {
		return "ok", nil
	}
	return g.reply(turns)
}

func (g *fakeGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.embedErr != nil {
		return nil, g.embedErr
	}
	g.mu.Lock()
	g.embedded = append(g.embedded, text)
	g.mu.Unlock()
	return fakeEmbedding(text), nil
}

func (g *fakeGateway) ExtractTopics(ctx context.Context, text string) ([]string, error) {
	if g.topics == nil {
		return []string{}, nil
	}
	return g.topics(text)
}

func (g *fakeGateway) lastPrompt() []core.Turn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return nil
	}
	return g.prompts[len(g.prompts)-1]
}

// fakeEmbedding derives a stable 4-dimensional vector from text.
func fakeEmbedding(text string) []float32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum32()
	return []float32{
		float32(sum&0xff) + 1,
		float32((sum>>8)&0xff) + 1,
		float32((sum>>16)&0xff) + 1,
		float32((sum>>24)&0xff) + 1,
	}
}

// syncEnricher runs the pipeline inline so tests can observe its effects.
type syncEnricher struct {
	pipeline *core.Pipeline
	mu       sync.Mutex
	errs     []error
	seen     []core.Exchange
}

func (e *syncEnricher) Schedule(ctx context.Context, ex core.Exchange) {
	err := e.pipeline.Run(ctx, ex)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, ex)
	e.errs = append(e.errs, err)
}

type generatorFunc func(ctx context.Context, turns []core.Turn) (string, error)

func (f generatorFunc) Generate(ctx context.Context, turns []core.Turn) (string, error) {
	return f(ctx, turns)
}

type countingEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return fakeEmbedding(text), nil
}

func (e *countingEmbedder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
