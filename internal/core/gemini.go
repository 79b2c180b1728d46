package core

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/option"
)

const (
	DefaultGeminiChatModel      = "gemini-1.5-flash-latest"
	DefaultGeminiEmbeddingModel = "text-embedding-004"
)

// GeminiClient generates replies and embeddings with the Gemini API.
type GeminiClient struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
}

var (
	_ Generator = (*GeminiClient)(nil)
	_ Embedder  = (*GeminiClient)(nil)
)

func NewGeminiClient(ctx context.Context, apiKey, chatModel, embeddingModel string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create GenAI client")
	}
	if chatModel == "" {
		chatModel = DefaultGeminiChatModel
	}
	if embeddingModel == "" {
		embeddingModel = DefaultGeminiEmbeddingModel
	}

	return &GeminiClient{
		client:         client,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
	}, nil
}

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	em := c.client.EmbeddingModel(c.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, goerr.Wrap(err, "gemini embedding request failed", goerr.V("model", c.embeddingModel))
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, goerr.New("no embedding data received from gemini", goerr.V("model", c.embeddingModel))
	}
	return res.Embedding.Values, nil
}

// Generate sends the last turn as the new message; earlier user and
// assistant turns become chat history and system turns the system
// instruction.
func (c *GeminiClient) Generate(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 || turns[len(turns)-1].Role != RoleUser {
		return "", goerr.New("last turn must come from the user")
	}

	model := c.client.GenerativeModel(c.chatModel)

	var system []string
	var history []*genai.Content
	for _, turn := range turns[:len(turns)-1] {
		switch turn.Role {
		case RoleSystem:
			system = append(system, turn.Text)
		case RoleUser:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(turn.Text)}})
		case RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(turn.Text)}})
		}
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))},
		}
	}

	chatSession := model.StartChat()
	chatSession.History = history

	resp, err := chatSession.SendMessage(ctx, genai.Text(turns[len(turns)-1].Text))
	if err != nil {
		return "", goerr.Wrap(err, "gemini chat SendMessage failed", goerr.V("model", c.chatModel))
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", goerr.New("gemini response had no candidates", goerr.V("model", c.chatModel))
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}
	if responseText.Len() == 0 {
		return "", goerr.New("gemini response had no text", goerr.V("model", c.chatModel))
	}
	return responseText.String(), nil
}
