package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memorySession struct {
	mu       sync.Mutex
	session  Session
	messages []*Message         // index i holds sequence i+1
	next     map[int64]int64    // forward edges: sequence -> following sequence
	tail     *Message           // highest-sequence message
	topics   map[int64][]string // sequence -> linked topic names
}

// MemoryStore keeps everything in process memory. It is intended for tests
// and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	topics   map[Owner]map[string]*Topic
}

var _ ConversationStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		topics:   make(map[Owner]map[string]*Topic),
	}
}

func copyMessage(m *Message) *Message {
	copied := *m
	return &copied
}

func (s *MemoryStore) lookup(sessionID string, owner Owner) (*memorySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.sessions[sessionID]
	if !ok || ms.session.Owner != owner {
		return nil, notFound(sessionID, owner)
	}
	return ms, nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, owner Owner) (*Session, error) {
	ms := &memorySession{
		session: Session{
			ID:        uuid.NewString(),
			Owner:     owner,
			CreatedAt: time.Now().UTC(),
		},
		next:   make(map[int64]int64),
		topics: make(map[int64][]string),
	}

	s.mu.Lock()
	s.sessions[ms.session.ID] = ms
	s.mu.Unlock()

	created := ms.session
	return &created, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID string, owner Owner, sender Sender, text string) (int64, error) {
	if err := sender.Validate(); err != nil {
		return 0, err
	}
	ms, err := s.lookup(sessionID, owner)
	if err != nil {
		return 0, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var nextSeq int64 = 1
	if ms.tail != nil {
		nextSeq = ms.tail.Sequence + 1
	}

	msg := &Message{
		SessionID: sessionID,
		Sequence:  nextSeq,
		Sender:    sender,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if ms.tail != nil {
		ms.next[ms.tail.Sequence] = nextSeq
	}
	ms.messages = append(ms.messages, msg)
	ms.tail = msg

	return nextSeq, nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, sessionID string, owner Owner) ([]*Message, error) {
	ms, err := s.lookup(sessionID, owner)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	result := make([]*Message, 0, len(ms.messages))
	if len(ms.messages) == 0 {
		return result, nil
	}
	for seq := int64(1); seq != 0; seq = ms.next[seq] {
		result = append(result, copyMessage(ms.messages[seq-1]))
	}
	return result, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, owner Owner) ([]*SessionSummary, error) {
	s.mu.RLock()
	owned := make([]*memorySession, 0)
	for _, ms := range s.sessions {
		if ms.session.Owner == owner {
			owned = append(owned, ms)
		}
	}
	s.mu.RUnlock()

	result := make([]*SessionSummary, 0, len(owned))
	for _, ms := range owned {
		ms.mu.Lock()
		result = append(result, &SessionSummary{
			ID:           ms.session.ID,
			Title:        titleOrDefault(ms.session.Title),
			CreatedAt:    ms.session.CreatedAt,
			MessageCount: int64(len(ms.messages)),
		})
		ms.mu.Unlock()
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string, owner Owner) (*Session, error) {
	ms, err := s.lookup(sessionID, owner)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	copied := ms.session
	if ms.session.Title != nil {
		title := *ms.session.Title
		copied.Title = &title
	}
	return &copied, nil
}

func (s *MemoryStore) SetTitleIfAbsent(ctx context.Context, sessionID string, owner Owner, title string) (string, error) {
	ms, err := s.lookup(sessionID, owner)
	if err != nil {
		return "", err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.session.Title == nil {
		ms.session.Title = &title
	}
	return *ms.session.Title, nil
}

func (s *MemoryStore) LinkTopics(ctx context.Context, sessionID string, owner Owner, sequence int64, topicNames []string) error {
	names := normalizeTopics(topicNames)
	if len(names) == 0 {
		return nil
	}

	ms, err := s.lookup(sessionID, owner)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if sequence < 1 || sequence > int64(len(ms.messages)) {
		return nil
	}

	s.mu.Lock()
	ownerTopics, ok := s.topics[owner]
	if !ok {
		ownerTopics = make(map[string]*Topic)
		s.topics[owner] = ownerTopics
	}
	for _, name := range names {
		if _, exists := ownerTopics[name]; !exists {
			ownerTopics[name] = &Topic{Name: name, Owner: owner}
		}
	}
	s.mu.Unlock()

	linked := ms.topics[sequence]
	for _, name := range names {
		if !slices.Contains(linked, name) {
			linked = append(linked, name)
		}
	}
	ms.topics[sequence] = linked
	return nil
}

func (s *MemoryStore) GetTail(ctx context.Context, sessionID string, owner Owner) (*Message, error) {
	ms, err := s.lookup(sessionID, owner)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.tail == nil {
		return nil, nil
	}
	return copyMessage(ms.tail), nil
}

func (s *MemoryStore) FirstUserMessages(ctx context.Context, sessionID string, owner Owner, limit int) ([]string, error) {
	ms, err := s.lookup(sessionID, owner)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	result := make([]string, 0, limit)
	for _, m := range ms.messages {
		if len(result) >= limit {
			break
		}
		if m.Sender == SenderUser {
			result = append(result, m.Text)
		}
	}
	return result, nil
}

func (s *MemoryStore) MessageTopics(ctx context.Context, sessionID string, owner Owner, sequence int64) ([]string, error) {
	ms, err := s.lookup(sessionID, owner)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	result := append([]string{}, ms.topics[sequence]...)
	sort.Strings(result)
	return result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
