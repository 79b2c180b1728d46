package store

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// DefaultTitle is shown for sessions whose title has not been set yet.
const DefaultTitle = "New Chat"

// Owner identifies the authenticated principal owning sessions, topics and memories.
type Owner = string

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

func (s Sender) Validate() error {
	switch s {
	case SenderUser, SenderAssistant:
		return nil
	default:
		return goerr.Wrap(ErrInvalidSender, "unknown sender", goerr.V("sender", string(s)))
	}
}

type Session struct {
	ID        string    `json:"id"`
	Owner     Owner     `json:"-"`
	Title     *string   `json:"title"` // unset until the enrichment pipeline names it
	CreatedAt time.Time `json:"created_at"`
}

// Message is immutable once appended. Sequence is assigned by the store.
type Message struct {
	SessionID string    `json:"session_id"`
	Sequence  int64     `json:"sequence"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type Topic struct {
	Name  string `json:"name"`
	Owner Owner  `json:"-"`
}

type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int64     `json:"message_count"`
}

func titleOrDefault(title *string) string {
	if title == nil || *title == "" {
		return DefaultTitle
	}
	return *title
}
