package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"gwi.com/chat-memory/internal/core"
)

func TestLLMService_GenerateReply(t *testing.T) {
	ctx := context.Background()

	t.Run("returns generator output", func(t *testing.T) {
		svc, err := core.NewLLMService(generatorFunc(func(ctx context.Context, turns []core.Turn) (string, error) {
			return "hello " + turns[len(turns)-1].Text, nil
		}), &countingEmbedder{})
		gt.NoError(t, err).Required()
		defer svc.Close()

		reply, err := svc.GenerateReply(ctx, []core.Turn{{Role: core.RoleUser, Text: "there"}})
		gt.NoError(t, err)
		gt.Value(t, reply).Equal("hello there")
	})

	t.Run("provider failure is UpstreamUnavailable", func(t *testing.T) {
		svc, err := core.NewLLMService(generatorFunc(func(ctx context.Context, turns []core.Turn) (string, error) {
			return "", errFake
		}), &countingEmbedder{})
		gt.NoError(t, err).Required()
		defer svc.Close()

		_, err = svc.GenerateReply(ctx, []core.Turn{{Role: core.RoleUser, Text: "hi"}})
		gt.Error(t, err).Is(core.ErrUpstreamUnavailable)
	})

	t.Run("timeout is UpstreamUnavailable", func(t *testing.T) {
		svc, err := core.NewLLMService(generatorFunc(func(ctx context.Context, turns []core.Turn) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}), &countingEmbedder{}, core.WithReplyTimeout(10*time.Millisecond))
		gt.NoError(t, err).Required()
		defer svc.Close()

		_, err = svc.GenerateReply(ctx, []core.Turn{{Role: core.RoleUser, Text: "hi"}})
		gt.Error(t, err).Is(core.ErrUpstreamUnavailable)
	})
}

func TestLLMService_Embed(t *testing.T) {
	ctx := context.Background()

	t.Run("embeddings are cached by text", func(t *testing.T) {
		embedder := &countingEmbedder{}
		svc, err := core.NewLLMService(generatorFunc(nil), embedder)
		gt.NoError(t, err).Required()
		defer svc.Close()

		first, err := svc.Embed(ctx, "same text")
		gt.NoError(t, err).Required()
		svc.WaitCache()

		second, err := svc.Embed(ctx, "same text")
		gt.NoError(t, err).Required()
		gt.Value(t, second).Equal(first)
		gt.Number(t, embedder.count()).Equal(1)
	})

	t.Run("cache can be disabled", func(t *testing.T) {
		embedder := &countingEmbedder{}
		svc, err := core.NewLLMService(generatorFunc(nil), embedder, core.WithEmbeddingCache(0))
		gt.NoError(t, err).Required()
		defer svc.Close()

		for i := 0; i < 2; i++ {
			_, err := svc.Embed(ctx, "same text")
			gt.NoError(t, err).Required()
		}
		gt.Number(t, embedder.count()).Equal(2)
	})

	t.Run("provider failure is UpstreamUnavailable", func(t *testing.T) {
		svc, err := core.NewLLMService(generatorFunc(nil), &countingEmbedder{err: errFake})
		gt.NoError(t, err).Required()
		defer svc.Close()

		_, err = svc.Embed(ctx, "text")
		gt.Error(t, err).Is(core.ErrUpstreamUnavailable)
	})
}

func TestLLMService_ExtractTopics(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name   string
		output string
		want   []string
	}{
		{name: "plain array", output: `["greetings", "small talk"]`, want: []string{"greetings", "small talk"}},
		{name: "code fence", output: "```json\n[\"go\", \"rust\"]\n```", want: []string{"go", "rust"}},
		{name: "trims and drops empties", output: `[" weather ", "", "travel"]`, want: []string{"weather", "travel"}},
		{name: "at most four", output: `["a", "b", "c", "d", "e"]`, want: []string{"a", "b", "c", "d"}},
		{name: "not json", output: "Topics: weather, travel", want: []string{}},
		{name: "not an array", output: `{"topics": ["weather"]}`, want: []string{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var system string
			svc, err := core.NewLLMService(generatorFunc(func(ctx context.Context, turns []core.Turn) (string, error) {
				system = turns[0].Text
				return tc.output, nil
			}), &countingEmbedder{})
			gt.NoError(t, err).Required()
			defer svc.Close()

			topics, err := svc.ExtractTopics(ctx, "hello, how is the weather?")
			gt.NoError(t, err)
			gt.Value(t, topics).Equal(tc.want)
			gt.String(t, system).Contains("JSON array")
		})
	}

	t.Run("provider failure is an error", func(t *testing.T) {
		svc, err := core.NewLLMService(generatorFunc(func(ctx context.Context, turns []core.Turn) (string, error) {
			return "", errFake
		}), &countingEmbedder{})
		gt.NoError(t, err).Required()
		defer svc.Close()

		_, err = svc.ExtractTopics(ctx, "text")
		gt.Error(t, err).Is(core.ErrUpstreamUnavailable)
	})
}

func TestParseTopics(t *testing.T) {
	topics, ok := core.ParseTopics(`["x", 3, "y"]`)
	gt.Bool(t, ok).True()
	gt.Value(t, topics).Equal([]string{"x", "y"})

	_, ok = core.ParseTopics("nope")
	gt.Bool(t, ok).False()
}
