package core

import (
	"context"
	"strings"

	"gwi.com/chat-memory/internal/index"
	"gwi.com/chat-memory/internal/store"
	"gwi.com/chat-memory/internal/utils/logging"
)

const (
	NumRelatedMemories   = 3  // Number of past memories injected into the prompt
	DefaultHistoryWindow = 20 // Most recent messages sent to the model; 0 sends all

	chatSystemInstruction = "You are an AI assistant that answers questions accurately and clearly. " +
		"Stay strictly on the topic asked by the user."

	memoryPreamble = "Relevant past discussions from this user:\n"
)

// RAGService looks up the owner's semantic memory and assembles prompts.
type RAGService struct {
	index         index.Index
	gateway       Gateway
	historyWindow int
}

func NewRAGService(idx index.Index, gateway Gateway, historyWindow int) *RAGService {
	return &RAGService{
		index:         idx,
		gateway:       gateway,
		historyWindow: historyWindow,
	}
}

// RelatedMemories returns texts from the owner's past conversations similar
// to query. Lookup failures are logged and yield no memories; a reply
// without memory beats no reply.
func (s *RAGService) RelatedMemories(ctx context.Context, owner store.Owner, query string) []string {
	logger := logging.From(ctx)

	embedding, err := s.gateway.Embed(ctx, query)
	if err != nil {
		logger.Warn("failed to embed query, proceeding without memory", "error", err)
		return nil
	}

	memories, err := s.index.Query(ctx, owner, embedding, NumRelatedMemories)
	if err != nil {
		logger.Warn("failed to query semantic index, proceeding without memory", "error", err)
		return nil
	}

	logger.Debug("retrieved related memories", "count", len(memories))
	return memories
}

// BuildTurns assembles the prompt: system instruction, optional memory,
// the most recent history and finally the new user text.
func (s *RAGService) BuildTurns(history []*store.Message, memories []string, userText string) []Turn {
	if s.historyWindow > 0 && len(history) > s.historyWindow {
		history = history[len(history)-s.historyWindow:]
	}

	turns := make([]Turn, 0, len(history)+3)
	turns = append(turns, Turn{Role: RoleSystem, Text: chatSystemInstruction})
	if len(memories) > 0 {
		turns = append(turns, Turn{Role: RoleSystem, Text: memoryPreamble + strings.Join(memories, "\n")})
	}

	for _, msg := range history {
		role := RoleAssistant
		if msg.Sender == store.SenderUser {
			role = RoleUser
		}
		turns = append(turns, Turn{Role: role, Text: msg.Text})
	}

	return append(turns, Turn{Role: RoleUser, Text: userText})
}
