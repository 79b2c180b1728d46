package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jStore keeps conversations as a graph:
//
//	(:User)-[:HAS_CHAT]->(:ChatSession)-[:HAS_MESSAGE]->(:Message)
//	(:ChatSession)-[:LAST_MESSAGE]->(:Message)   single tail pointer
//	(:Message)-[:NEXT]->(:Message)               forward chain
//	(:Message)-[:ABOUT_TOPIC]->(:Topic)          topics are unique per owner
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

var _ ConversationStore = (*Neo4jStore)(nil)

func NewNeo4jStore(ctx context.Context, uri, username, password, database string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create neo4j driver", goerr.V("uri", uri))
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, goerr.Wrap(err, "failed to connect to neo4j", goerr.V("uri", uri))
	}

	s := &Neo4jStore{driver: driver, database: database}
	if err := s.initConstraints(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Neo4jStore) initConstraints(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE",
		"CREATE CONSTRAINT chat_session_id IF NOT EXISTS FOR (c:ChatSession) REQUIRE c.id IS UNIQUE",
		"CREATE CONSTRAINT topic_owner_name IF NOT EXISTS FOR (t:Topic) REQUIRE (t.owner, t.name) IS UNIQUE",
	}
	for _, stmt := range statements {
		if _, err := s.write(ctx, stmt, nil); err != nil {
			return goerr.Wrap(err, "failed to create constraint", goerr.V("statement", stmt))
		}
	}
	return nil
}

func (s *Neo4jStore) write(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*neo4j.Record), nil
}

func (s *Neo4jStore) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*neo4j.Record), nil
}

func (s *Neo4jStore) CreateSession(ctx context.Context, owner Owner) (*Session, error) {
	session := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.write(ctx, `
		MERGE (u:User {id: $owner})
		CREATE (c:ChatSession {id: $id, owner: $owner, created_at: $createdAt, last_sequence: 0})
		CREATE (u)-[:HAS_CHAT]->(c)`,
		map[string]any{"owner": owner, "id": session.ID, "createdAt": session.CreatedAt})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create session", goerr.V(OwnerKey, owner))
	}
	return session, nil
}

// appendMessageCypher bumps last_sequence first: the SET takes the write lock
// on the session node, so concurrent appends on one session queue behind it
// and each observes the previous tail. Creating the message, linking NEXT and
// moving LAST_MESSAGE happen in the same transaction.
const appendMessageCypher = `
	MATCH (:User {id: $owner})-[:HAS_CHAT]->(c:ChatSession {id: $sessionID})
	SET c.last_sequence = coalesce(c.last_sequence, 0) + 1
	WITH c, c.last_sequence AS seq
	OPTIONAL MATCH (c)-[old:LAST_MESSAGE]->(prev:Message)
	CREATE (m:Message {session_id: $sessionID, sequence: seq, sender: $sender, text: $text, created_at: $createdAt})
	CREATE (c)-[:HAS_MESSAGE]->(m)
	FOREACH (_ IN CASE WHEN prev IS NULL THEN [] ELSE [1] END | CREATE (prev)-[:NEXT]->(m))
	DELETE old
	CREATE (c)-[:LAST_MESSAGE]->(m)
	RETURN seq`

func (s *Neo4jStore) AppendMessage(ctx context.Context, sessionID string, owner Owner, sender Sender, text string) (int64, error) {
	if err := sender.Validate(); err != nil {
		return 0, err
	}

	records, err := s.write(ctx, appendMessageCypher, map[string]any{
		"owner":     owner,
		"sessionID": sessionID,
		"sender":    string(sender),
		"text":      text,
		"createdAt": time.Now().UTC(),
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to append message", goerr.V(SessionIDKey, sessionID))
	}
	if len(records) == 0 {
		return 0, notFound(sessionID, owner)
	}

	seq, _ := records[0].Get("seq")
	n, ok := seq.(int64)
	if !ok {
		return 0, goerr.New("unexpected sequence type", goerr.V(SessionIDKey, sessionID), goerr.V("value", seq))
	}
	return n, nil
}

func messageFromNode(v any) (*Message, bool) {
	node, ok := v.(neo4j.Node)
	if !ok {
		return nil, false
	}
	msg := &Message{}
	msg.SessionID, _ = node.Props["session_id"].(string)
	msg.Sequence, _ = node.Props["sequence"].(int64)
	sender, _ := node.Props["sender"].(string)
	msg.Sender = Sender(sender)
	msg.Text, _ = node.Props["text"].(string)
	msg.CreatedAt, _ = node.Props["created_at"].(time.Time)
	return msg, true
}

func (s *Neo4jStore) GetHistory(ctx context.Context, sessionID string, owner Owner) ([]*Message, error) {
	records, err := s.read(ctx, `
		MATCH (:User {id: $owner})-[:HAS_CHAT]->(c:ChatSession {id: $sessionID})
		OPTIONAL MATCH (c)-[:HAS_MESSAGE]->(m:Message)
		RETURN m ORDER BY m.sequence ASC`,
		map[string]any{"owner": owner, "sessionID": sessionID})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query history", goerr.V(SessionIDKey, sessionID))
	}
	if len(records) == 0 {
		return nil, notFound(sessionID, owner)
	}

	messages := make([]*Message, 0, len(records))
	for _, record := range records {
		v, _ := record.Get("m")
		if msg, ok := messageFromNode(v); ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func (s *Neo4jStore) ListSessions(ctx context.Context, owner Owner) ([]*SessionSummary, error) {
	records, err := s.read(ctx, `
		MATCH (:User {id: $owner})-[:HAS_CHAT]->(c:ChatSession)
		OPTIONAL MATCH (c)-[:HAS_MESSAGE]->(m:Message)
		WITH c, count(m) AS messageCount
		RETURN c.id AS id, c.title AS title, c.created_at AS createdAt, messageCount
		ORDER BY c.created_at DESC`,
		map[string]any{"owner": owner})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list sessions", goerr.V(OwnerKey, owner))
	}

	summaries := make([]*SessionSummary, 0, len(records))
	for _, record := range records {
		var summary SessionSummary
		id, _ := record.Get("id")
		summary.ID, _ = id.(string)
		title, _ := record.Get("title")
		if t, ok := title.(string); ok {
			summary.Title = titleOrDefault(&t)
		} else {
			summary.Title = DefaultTitle
		}
		createdAt, _ := record.Get("createdAt")
		summary.CreatedAt, _ = createdAt.(time.Time)
		count, _ := record.Get("messageCount")
		summary.MessageCount, _ = count.(int64)
		summaries = append(summaries, &summary)
	}
	return summaries, nil
}

func (s *Neo4jStore) GetSession(ctx context.Context, sessionID string, owner Owner) (*Session, error) {
	records, err := s.read(ctx, `
		MATCH (:User {id: $owner})-[:HAS_CHAT]->(c:ChatSession {id: $sessionID})
		RETURN c.title AS title, c.created_at AS createdAt`,
		map[string]any{"owner": owner, "sessionID": sessionID})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get session", goerr.V(SessionIDKey, sessionID))
	}
	if len(records) == 0 {
		return nil, notFound(sessionID, owner)
	}

	session := Session{ID: sessionID, Owner: owner}
	if title, _ := records[0].Get("title"); title != nil {
		if t, ok := title.(string); ok {
			session.Title = &t
		}
	}
	createdAt, _ := records[0].Get("createdAt")
	session.CreatedAt, _ = createdAt.(time.Time)
	return &session, nil
}

func (s *Neo4jStore) SetTitleIfAbsent(ctx context.Context, sessionID string, owner Owner, title string) (string, error) {
	// Writing _lock first takes the node write lock before title is read.
	records, err := s.write(ctx, `
		MATCH (:User {id: $owner})-[:HAS_CHAT]->(c:ChatSession {id: $sessionID})
		SET c._lock = true
		WITH c
		SET c.title = coalesce(c.title, $title)
		REMOVE c._lock
		RETURN c.title AS title`,
		map[string]any{"owner": owner, "sessionID": sessionID, "title": title})
	if err != nil {
		return "", goerr.Wrap(err, "failed to set title", goerr.V(SessionIDKey, sessionID))
	}
	if len(records) == 0 {
		return "", notFound(sessionID, owner)
	}
	stored, _ := records[0].Get("title")
	if t, ok := stored.(string); ok {
		return t, nil
	}
	return title, nil
}

func (s *Neo4jStore) LinkTopics(ctx context.Context, sessionID string, owner Owner, sequence int64, topicNames []string) error {
	names := normalizeTopics(topicNames)
	if len(names) == 0 {
		return nil
	}

	records, err := s.write(ctx, `
		MATCH (:User {id: $owner})-[:HAS_CHAT]->(c:ChatSession {id: $sessionID})
		OPTIONAL MATCH (c)-[:HAS_MESSAGE]->(m:Message {sequence: $sequence})
		FOREACH (_ IN CASE WHEN m IS NULL THEN [] ELSE [1] END |
			FOREACH (name IN $topics |
				MERGE (t:Topic {owner: $owner, name: name})
				MERGE (m)-[:ABOUT_TOPIC]->(t)))
		RETURN c.id AS id`,
		map[string]any{"owner": owner, "sessionID": sessionID, "sequence": sequence, "topics": names})
	if err != nil {
		return goerr.Wrap(err, "failed to link topics", goerr.V(SessionIDKey, sessionID), goerr.V(SequenceKey, sequence))
	}
	if len(records) == 0 {
		return notFound(sessionID, owner)
	}
	return nil
}

func (s *Neo4jStore) GetTail(ctx context.Context, sessionID string, owner Owner) (*Message, error) {
	records, err := s.read(ctx, `
		MATCH (:User {id: $owner})-[:HAS_CHAT]->(c:ChatSession {id: $sessionID})
		OPTIONAL MATCH (c)-[:LAST_MESSAGE]->(m:Message)
		RETURN m`,
		map[string]any{"owner": owner, "sessionID": sessionID})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query tail", goerr.V(SessionIDKey, sessionID))
	}
	if len(records) == 0 {
		return nil, notFound(sessionID, owner)
	}

	v, _ := records[0].Get("m")
	msg, ok := messageFromNode(v)
	if !ok {
		return nil, nil
	}
	return msg, nil
}

func stringList(v any) []string {
	items, _ := v.([]any)
	result := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func (s *Neo4jStore) FirstUserMessages(ctx context.Context, sessionID string, owner Owner, limit int) ([]string, error) {
	records, err := s.read(ctx, `
		MATCH (:User {id: $owner})-[:HAS_CHAT]->(c:ChatSession {id: $sessionID})
		OPTIONAL MATCH (c)-[:HAS_MESSAGE]->(m:Message {sender: 'user'})
		WITH c, m ORDER BY m.sequence ASC
		RETURN collect(m.text)[..$limit] AS texts`,
		map[string]any{"owner": owner, "sessionID": sessionID, "limit": limit})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query user messages", goerr.V(SessionIDKey, sessionID))
	}
	if len(records) == 0 {
		return nil, notFound(sessionID, owner)
	}

	texts, _ := records[0].Get("texts")
	return stringList(texts), nil
}

func (s *Neo4jStore) MessageTopics(ctx context.Context, sessionID string, owner Owner, sequence int64) ([]string, error) {
	records, err := s.read(ctx, `
		MATCH (:User {id: $owner})-[:HAS_CHAT]->(c:ChatSession {id: $sessionID})
		OPTIONAL MATCH (c)-[:HAS_MESSAGE]->(:Message {sequence: $sequence})-[:ABOUT_TOPIC]->(t:Topic)
		RETURN collect(t.name) AS names`,
		map[string]any{"owner": owner, "sessionID": sessionID, "sequence": sequence})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query message topics", goerr.V(SessionIDKey, sessionID))
	}
	if len(records) == 0 {
		return nil, notFound(sessionID, owner)
	}

	v, _ := records[0].Get("names")
	names := stringList(v)
	sort.Strings(names)
	return names, nil
}
