package core

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"gwi.com/chat-memory/internal/store"
	"gwi.com/chat-memory/internal/utils/logging"
)

// Reply is the assistant answer to a posted message together with the
// sequences both messages were stored under.
type Reply struct {
	Text              string `json:"reply"`
	UserSequence      int64  `json:"user_sequence"`
	AssistantSequence int64  `json:"assistant_sequence"`
}

type ChatService struct {
	store    store.ConversationStore
	rag      *RAGService
	gateway  Gateway
	enricher Enricher
	pipeline *Pipeline
}

func NewChatService(st store.ConversationStore, rag *RAGService, gateway Gateway, pipeline *Pipeline) *ChatService {
	return &ChatService{
		store:    st,
		rag:      rag,
		gateway:  gateway,
		enricher: pipeline,
		pipeline: pipeline,
	}
}

// WithEnricher replaces where exchanges are sent after a reply.
func (s *ChatService) WithEnricher(e Enricher) *ChatService {
	s.enricher = e
	return s
}

func (s *ChatService) CreateSession(ctx context.Context, owner store.Owner) (*store.Session, error) {
	return s.store.CreateSession(ctx, owner)
}

func (s *ChatService) ListSessions(ctx context.Context, owner store.Owner) ([]*store.SessionSummary, error) {
	return s.store.ListSessions(ctx, owner)
}

func (s *ChatService) GetHistory(ctx context.Context, sessionID string, owner store.Owner) ([]*store.Message, error) {
	return s.store.GetHistory(ctx, sessionID, owner)
}

// PostMessage answers userText in the session. Both messages are stored
// only after a reply was generated, so a model failure leaves the session
// unchanged. Enrichment is scheduled after storing and never delays the reply.
func (s *ChatService) PostMessage(ctx context.Context, sessionID string, owner store.Owner, userText string) (*Reply, error) {
	logger := logging.From(ctx).With(store.SessionIDKey, sessionID)
	ctx = logging.With(ctx, logger)

	history, err := s.store.GetHistory(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}

	memories := s.rag.RelatedMemories(ctx, owner, userText)
	turns := s.rag.BuildTurns(history, memories, userText)

	replyText, err := s.gateway.GenerateReply(ctx, turns)
	if err != nil {
		return nil, err
	}

	userSeq, err := s.store.AppendMessage(ctx, sessionID, owner, store.SenderUser, userText)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to store user message")
	}
	assistantSeq, err := s.store.AppendMessage(ctx, sessionID, owner, store.SenderAssistant, replyText)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to store assistant message", goerr.V("user_sequence", userSeq))
	}

	logger.Info("exchange stored", "user_sequence", userSeq, "assistant_sequence", assistantSeq, "memories", len(memories))

	if s.enricher != nil {
		s.enricher.Schedule(ctx, Exchange{
			SessionID:         sessionID,
			Owner:             owner,
			UserSequence:      userSeq,
			UserText:          userText,
			AssistantSequence: assistantSeq,
			AssistantText:     replyText,
		})
	}

	return &Reply{
		Text:              replyText,
		UserSequence:      userSeq,
		AssistantSequence: assistantSeq,
	}, nil
}

// RefreshTitle names the session from its first user messages.
func (s *ChatService) RefreshTitle(ctx context.Context, sessionID string, owner store.Owner) (string, error) {
	return s.pipeline.ApplyTitleFromFirstMessages(ctx, sessionID, owner)
}
