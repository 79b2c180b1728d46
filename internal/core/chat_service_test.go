package core_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"

	"gwi.com/chat-memory/internal/core"
	"gwi.com/chat-memory/internal/index"
	"gwi.com/chat-memory/internal/store"
)

type chatFixture struct {
	store    *store.MemoryStore
	index    *index.FlatIndex
	gateway  *fakeGateway
	enricher *syncEnricher
	service  *core.ChatService
}

func newChatFixture(t *testing.T, gateway *fakeGateway, historyWindow int) *chatFixture {
	t.Helper()

	st := store.NewMemoryStore()
	idx, err := index.OpenFlatIndex(context.Background(), nil, 0)
	gt.NoError(t, err).Required()

	pipeline := core.NewPipeline(st, idx, gateway, 0)
	enricher := &syncEnricher{pipeline: pipeline}
	rag := core.NewRAGService(idx, gateway, historyWindow)
	svc := core.NewChatService(st, rag, gateway, pipeline).WithEnricher(enricher)

	return &chatFixture{
		store:    st,
		index:    idx,
		gateway:  gateway,
		enricher: enricher,
		service:  svc,
	}
}

func TestChatService_PostMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the exchange and enriches it", func(t *testing.T) {
		f := newChatFixture(t, &fakeGateway{
			reply:  func(turns []core.Turn) (string, error) { return "Hi! How can I help?", nil },
			topics: func(text string) ([]string, error) { return []string{"greetings"}, nil },
		}, core.DefaultHistoryWindow)

		session, err := f.service.CreateSession(ctx, "alice")
		gt.NoError(t, err).Required()

		reply, err := f.service.PostMessage(ctx, session.ID, "alice", "hello")
		gt.NoError(t, err).Required()
		gt.Value(t, reply.Text).Equal("Hi! How can I help?")
		gt.Value(t, reply.UserSequence).Equal(int64(1))
		gt.Value(t, reply.AssistantSequence).Equal(int64(2))

		history, err := f.service.GetHistory(ctx, session.ID, "alice")
		gt.NoError(t, err).Required()
		gt.Array(t, history).Length(2).Required()
		gt.Value(t, history[0].Sender).Equal(store.SenderUser)
		gt.Value(t, history[0].Text).Equal("hello")
		gt.Value(t, history[1].Sender).Equal(store.SenderAssistant)
		gt.Value(t, history[1].Text).Equal("Hi! How can I help?")

		gt.Array(t, f.enricher.seen).Length(1).Required()
		gt.NoError(t, f.enricher.errs[0])
		gt.Value(t, f.enricher.seen[0].AssistantText).Equal("Hi! How can I help?")

		summaries, err := f.service.ListSessions(ctx, "alice")
		gt.NoError(t, err).Required()
		gt.Value(t, summaries[0].Title).Equal("greetings")
		gt.Value(t, summaries[0].MessageCount).Equal(int64(2))
		gt.Number(t, f.index.Len()).Equal(2)
	})

	t.Run("greetings then weather keeps the first title", func(t *testing.T) {
		topics := map[string][]string{
			"hello":               {"greetings"},
			"what's the weather?": {"weather"},
		}
		f := newChatFixture(t, &fakeGateway{
			topics: func(text string) ([]string, error) { return topics[text], nil },
		}, core.DefaultHistoryWindow)

		session, err := f.service.CreateSession(ctx, "alice")
		gt.NoError(t, err).Required()

		_, err = f.service.PostMessage(ctx, session.ID, "alice", "hello")
		gt.NoError(t, err).Required()
		reply, err := f.service.PostMessage(ctx, session.ID, "alice", "what's the weather?")
		gt.NoError(t, err).Required()
		gt.Value(t, reply.UserSequence).Equal(int64(3))
		gt.Value(t, reply.AssistantSequence).Equal(int64(4))

		summaries, err := f.service.ListSessions(ctx, "alice")
		gt.NoError(t, err).Required()
		gt.Value(t, summaries[0].Title).Equal("greetings")

		linked, err := f.store.MessageTopics(ctx, session.ID, "alice", 3)
		gt.NoError(t, err).Required()
		gt.Value(t, linked).Equal([]string{"weather"})
	})

	t.Run("generation failure stores nothing", func(t *testing.T) {
		f := newChatFixture(t, &fakeGateway{
			reply: func(turns []core.Turn) (string, error) {
				return "", fmt.Errorf("model down: %w", core.ErrUpstreamUnavailable)
			},
		}, core.DefaultHistoryWindow)

		session, err := f.service.CreateSession(ctx, "alice")
		gt.NoError(t, err).Required()

		_, err = f.service.PostMessage(ctx, session.ID, "alice", "hello")
		gt.Error(t, err).Is(core.ErrUpstreamUnavailable)

		history, err := f.service.GetHistory(ctx, session.ID, "alice")
		gt.NoError(t, err)
		gt.Array(t, history).Length(0)
		gt.Array(t, f.enricher.seen).Length(0)
	})

	t.Run("another owner's session is NotFound", func(t *testing.T) {
		f := newChatFixture(t, &fakeGateway{}, core.DefaultHistoryWindow)

		session, err := f.service.CreateSession(ctx, "alice")
		gt.NoError(t, err).Required()

		_, err = f.service.PostMessage(ctx, session.ID, "mallory", "hello")
		gt.Error(t, err).Is(store.ErrNotFound)
		gt.Array(t, f.gateway.prompts).Length(0)
	})

	t.Run("related memories are injected as a system turn", func(t *testing.T) {
		f := newChatFixture(t, &fakeGateway{}, core.DefaultHistoryWindow)

		gt.NoError(t, f.index.Add(ctx, "alice", "old:1", "I love hiking in the alps", fakeEmbedding("hiking"))).Required()
		gt.NoError(t, f.index.Add(ctx, "bob", "old:2", "bob's private note", fakeEmbedding("hiking"))).Required()

		session, err := f.service.CreateSession(ctx, "alice")
		gt.NoError(t, err).Required()
		_, err = f.service.PostMessage(ctx, session.ID, "alice", "hiking")
		gt.NoError(t, err).Required()

		prompt := f.gateway.lastPrompt()
		gt.Array(t, prompt).Length(3).Required()
		gt.Value(t, prompt[0].Role).Equal(core.RoleSystem)
		gt.Value(t, prompt[1].Role).Equal(core.RoleSystem)
		gt.String(t, prompt[1].Text).Contains("Relevant past discussions from this user:")
		gt.String(t, prompt[1].Text).Contains("I love hiking in the alps")
		gt.Bool(t, strings.Contains(prompt[1].Text, "bob's private note")).False()
		gt.Value(t, prompt[2]).Equal(core.Turn{Role: core.RoleUser, Text: "hiking"})
	})

	t.Run("memory lookup failure still replies", func(t *testing.T) {
		f := newChatFixture(t, &fakeGateway{embedErr: errFake}, core.DefaultHistoryWindow)

		session, err := f.service.CreateSession(ctx, "alice")
		gt.NoError(t, err).Required()

		reply, err := f.service.PostMessage(ctx, session.ID, "alice", "hello")
		gt.NoError(t, err).Required()
		gt.Value(t, reply.Text).Equal("ok")

		prompt := f.gateway.lastPrompt()
		gt.Array(t, prompt).Length(2)
	})

	t.Run("history is windowed", func(t *testing.T) {
		f := newChatFixture(t, &fakeGateway{embedErr: errFake}, 4)

		session, err := f.service.CreateSession(ctx, "alice")
		gt.NoError(t, err).Required()
		for i := 0; i < 4; i++ {
			_, err := f.service.PostMessage(ctx, session.ID, "alice", fmt.Sprintf("message %d", i))
			gt.NoError(t, err).Required()
		}

		// system + 4 history turns + new user turn
		prompt := f.gateway.lastPrompt()
		gt.Array(t, prompt).Length(6).Required()
		gt.Value(t, prompt[1]).Equal(core.Turn{Role: core.RoleUser, Text: "message 1"})
		gt.Value(t, prompt[2]).Equal(core.Turn{Role: core.RoleAssistant, Text: "ok"})
		gt.Value(t, prompt[5]).Equal(core.Turn{Role: core.RoleUser, Text: "message 3"})
	})
}

func TestChatService_RefreshTitle(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{embedErr: errFake}
	f := newChatFixture(t, gateway, core.DefaultHistoryWindow)

	session, err := f.service.CreateSession(ctx, "alice")
	gt.NoError(t, err).Required()
	for _, text := range []string{"go generics", "type sets", "constraints"} {
		_, err := f.service.PostMessage(ctx, session.ID, "alice", text)
		gt.NoError(t, err).Required()
	}

	gateway.reply = func(turns []core.Turn) (string, error) { return "Go Generics Deep Dive", nil }
	title, err := f.service.RefreshTitle(ctx, session.ID, "alice")
	gt.NoError(t, err).Required()
	gt.Value(t, title).Equal("Go Generics Deep Dive")

	summaries, err := f.service.ListSessions(ctx, "alice")
	gt.NoError(t, err).Required()
	gt.Value(t, summaries[0].Title).Equal("Go Generics Deep Dive")
}
