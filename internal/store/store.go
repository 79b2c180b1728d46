package store

import (
	"context"
	"strings"
	"sync"
)

// ConversationStore owns sessions and their ordered message chains.
//
// AppendMessage is linearizable per session: concurrent appends on the same
// session receive distinct, contiguous sequence numbers starting at 1, and
// the tail pointer moves in the same atomic step that creates the message.
type ConversationStore interface {
	CreateSession(ctx context.Context, owner Owner) (*Session, error)
	AppendMessage(ctx context.Context, sessionID string, owner Owner, sender Sender, text string) (int64, error)
	GetHistory(ctx context.Context, sessionID string, owner Owner) ([]*Message, error)
	ListSessions(ctx context.Context, owner Owner) ([]*SessionSummary, error)
	// GetSession returns the session with Title nil until one is set.
	GetSession(ctx context.Context, sessionID string, owner Owner) (*Session, error)
	// SetTitleIfAbsent stores title unless the session already has one and
	// returns the title the session ends up with.
	SetTitleIfAbsent(ctx context.Context, sessionID string, owner Owner, title string) (string, error)
	LinkTopics(ctx context.Context, sessionID string, owner Owner, sequence int64, topicNames []string) error

	// GetTail returns the highest-sequence message, or nil for an empty session.
	GetTail(ctx context.Context, sessionID string, owner Owner) (*Message, error)
	// FirstUserMessages returns the text of the first limit user messages in sequence order.
	FirstUserMessages(ctx context.Context, sessionID string, owner Owner, limit int) ([]string, error)
	// MessageTopics returns topic names linked to a message, sorted by name.
	MessageTopics(ctx context.Context, sessionID string, owner Owner, sequence int64) ([]string, error)

	Close() error
}

type sessionLock struct {
	mu   sync.Mutex
	refs int // holders plus waiters
}

// sessionLocks hands out one mutex per session so appends on different
// sessions never contend with each other. An entry is dropped when its last
// holder unlocks.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sessionLock)
	}
	entry, ok := l.locks[sessionID]
	if !ok {
		entry = &sessionLock{}
		l.locks[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// normalizeTopics trims names, drops empties and duplicates, keeping first-seen order.
func normalizeTopics(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	result := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		result = append(result, name)
	}
	return result
}
