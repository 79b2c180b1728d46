package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/mattn/go-sqlite3"
)

const maxAppendAttempts = 5

// errTailMoved signals that another writer advanced the tail between our
// read and our compare-and-swap; the append is retried from scratch.
var errTailMoved = errors.New("tail moved")

type SQLiteStore struct {
	db    *sql.DB
	locks sessionLocks
}

var _ ConversationStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dataSourceName. Write
// transactions are started with BEGIN IMMEDIATE so the tail read and the
// tail update of an append happen under the same write lock.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dataSourceName))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("dsn", dataSourceName))
	}
	if err = db.Ping(); err != nil {
		return nil, goerr.Wrap(err, "failed to ping database", goerr.V("dsn", dataSourceName))
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to initialize schema")
	}
	return store, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        owner TEXT NOT NULL,
        title TEXT,
        created_at DATETIME NOT NULL,
        tail_sequence INTEGER NOT NULL DEFAULT 0 -- sequence of the tail message, 0 when empty
    );
    CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions (owner, created_at);

    CREATE TABLE IF NOT EXISTS messages (
        session_id TEXT NOT NULL,
        sequence INTEGER NOT NULL,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'assistant')),
        text TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        PRIMARY KEY (session_id, sequence),
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );

    CREATE TABLE IF NOT EXISTS message_links (
        session_id TEXT NOT NULL,
        from_sequence INTEGER NOT NULL,
        to_sequence INTEGER NOT NULL,
        PRIMARY KEY (session_id, from_sequence),
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );

    CREATE TABLE IF NOT EXISTS topics (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        owner TEXT NOT NULL,
        name TEXT NOT NULL,
        UNIQUE (owner, name)
    );

    CREATE TABLE IF NOT EXISTS message_topics (
        session_id TEXT NOT NULL,
        sequence INTEGER NOT NULL,
        topic_id INTEGER NOT NULL,
        PRIMARY KEY (session_id, sequence, topic_id),
        FOREIGN KEY (session_id, sequence) REFERENCES messages (session_id, sequence),
        FOREIGN KEY (topic_id) REFERENCES topics (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tailSequence returns the session's tail sequence, or ErrNotFound when the
// session does not exist or belongs to another owner.
func tailSequence(ctx context.Context, q queryRower, sessionID string, owner Owner) (int64, error) {
	var tail int64
	err := q.QueryRowContext(ctx,
		"SELECT tail_sequence FROM sessions WHERE id = ? AND owner = ?", sessionID, owner).Scan(&tail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, notFound(sessionID, owner)
		}
		return 0, goerr.Wrap(err, "failed to query session", goerr.V(SessionIDKey, sessionID))
	}
	return tail, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, owner Owner) (*Session, error) {
	session := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, owner, created_at) VALUES (?, ?, ?)",
		session.ID, session.Owner, session.CreatedAt)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to insert session", goerr.V(OwnerKey, owner))
	}
	return session, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, owner Owner, sender Sender, text string) (int64, error) {
	if err := sender.Validate(); err != nil {
		return 0, err
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		seq, err := s.appendOnce(ctx, sessionID, owner, sender, text)
		if errors.Is(err, errTailMoved) {
			continue
		}
		return seq, err
	}
	return 0, goerr.New("failed to append message: tail kept moving",
		goerr.V(SessionIDKey, sessionID), goerr.V("attempts", maxAppendAttempts))
}

// appendOnce performs read-tail, create, link and retarget-tail in a single
// transaction. The tail update is a compare-and-swap on the value read.
func (s *SQLiteStore) appendOnce(ctx context.Context, sessionID string, owner Owner, sender Sender, text string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	tail, err := tailSequence(ctx, tx, sessionID, owner)
	if err != nil {
		return 0, err
	}
	next := tail + 1

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (session_id, sequence, sender, text, created_at) VALUES (?, ?, ?, ?, ?)",
		sessionID, next, string(sender), text, time.Now().UTC())
	if err != nil {
		if isConstraintViolation(err) {
			return 0, errTailMoved
		}
		return 0, goerr.Wrap(err, "failed to insert message", goerr.V(SessionIDKey, sessionID))
	}

	if tail > 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO message_links (session_id, from_sequence, to_sequence) VALUES (?, ?, ?)",
			sessionID, tail, next)
		if err != nil {
			if isConstraintViolation(err) {
				return 0, errTailMoved
			}
			return 0, goerr.Wrap(err, "failed to link message", goerr.V(SessionIDKey, sessionID))
		}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE sessions SET tail_sequence = ? WHERE id = ? AND tail_sequence = ?",
		next, sessionID, tail)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to move tail", goerr.V(SessionIDKey, sessionID))
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return 0, errTailMoved
	}

	if err := tx.Commit(); err != nil {
		return 0, goerr.Wrap(err, "failed to commit message", goerr.V(SessionIDKey, sessionID))
	}
	return next, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, owner Owner) ([]*Message, error) {
	if _, err := tailSequence(ctx, s.db, sessionID, owner); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id, sequence, sender, text, created_at FROM messages WHERE session_id = ? ORDER BY sequence ASC",
		sessionID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query messages", goerr.V(SessionIDKey, sessionID))
	}
	defer rows.Close()

	messages := make([]*Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate messages", goerr.V(SessionIDKey, sessionID))
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var sender string
	if err := row.Scan(&msg.SessionID, &msg.Sequence, &sender, &msg.Text, &msg.CreatedAt); err != nil {
		return nil, goerr.Wrap(err, "failed to scan message row")
	}
	msg.Sender = Sender(sender)
	return &msg, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, owner Owner) ([]*SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT s.id, s.title, s.created_at,
               (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id) AS message_count
        FROM sessions s
        WHERE s.owner = ?
        ORDER BY s.created_at DESC, s.rowid DESC`, owner)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query sessions", goerr.V(OwnerKey, owner))
	}
	defer rows.Close()

	summaries := make([]*SessionSummary, 0)
	for rows.Next() {
		var summary SessionSummary
		var title sql.NullString
		if err := rows.Scan(&summary.ID, &title, &summary.CreatedAt, &summary.MessageCount); err != nil {
			return nil, goerr.Wrap(err, "failed to scan session row")
		}
		if title.Valid {
			summary.Title = titleOrDefault(&title.String)
		} else {
			summary.Title = DefaultTitle
		}
		summaries = append(summaries, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate sessions")
	}
	return summaries, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string, owner Owner) (*Session, error) {
	session := Session{ID: sessionID, Owner: owner}
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT title, created_at FROM sessions WHERE id = ? AND owner = ?",
		sessionID, owner).Scan(&title, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(sessionID, owner)
		}
		return nil, goerr.Wrap(err, "failed to query session", goerr.V(SessionIDKey, sessionID))
	}
	if title.Valid {
		session.Title = &title.String
	}
	return &session, nil
}

func (s *SQLiteStore) SetTitleIfAbsent(ctx context.Context, sessionID string, owner Owner, title string) (string, error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET title = ? WHERE id = ? AND owner = ? AND title IS NULL",
		title, sessionID, owner); err != nil {
		return "", goerr.Wrap(err, "failed to update session title", goerr.V(SessionIDKey, sessionID))
	}

	// A title never changes once set, so reading it back is race free.
	session, err := s.GetSession(ctx, sessionID, owner)
	if err != nil {
		return "", err
	}
	if session.Title == nil {
		return "", goerr.New("title missing after update", goerr.V(SessionIDKey, sessionID))
	}
	return *session.Title, nil
}

func (s *SQLiteStore) LinkTopics(ctx context.Context, sessionID string, owner Owner, sequence int64, topicNames []string) error {
	names := normalizeTopics(topicNames)
	if len(names) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	tail, err := tailSequence(ctx, tx, sessionID, owner)
	if err != nil {
		return err
	}
	if sequence < 1 || sequence > tail {
		// Enrichment metadata only; a message that does not resolve is skipped.
		return nil
	}

	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO topics (owner, name) VALUES (?, ?) ON CONFLICT (owner, name) DO NOTHING",
			owner, name); err != nil {
			return goerr.Wrap(err, "failed to upsert topic", goerr.V("topic", name))
		}

		var topicID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM topics WHERE owner = ? AND name = ?", owner, name).Scan(&topicID); err != nil {
			return goerr.Wrap(err, "failed to resolve topic", goerr.V("topic", name))
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_topics (session_id, sequence, topic_id) VALUES (?, ?, ?)",
			sessionID, sequence, topicID); err != nil {
			return goerr.Wrap(err, "failed to link topic", goerr.V("topic", name), goerr.V(SequenceKey, sequence))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit topic links", goerr.V(SessionIDKey, sessionID))
	}
	return nil
}

func (s *SQLiteStore) GetTail(ctx context.Context, sessionID string, owner Owner) (*Message, error) {
	tail, err := tailSequence(ctx, s.db, sessionID, owner)
	if err != nil {
		return nil, err
	}
	if tail == 0 {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT session_id, sequence, sender, text, created_at FROM messages WHERE session_id = ? AND sequence = ?",
		sessionID, tail)
	return scanMessage(row)
}

func (s *SQLiteStore) FirstUserMessages(ctx context.Context, sessionID string, owner Owner, limit int) ([]string, error) {
	if _, err := tailSequence(ctx, s.db, sessionID, owner); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT text FROM messages WHERE session_id = ? AND sender = ? ORDER BY sequence ASC LIMIT ?",
		sessionID, string(SenderUser), limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query user messages", goerr.V(SessionIDKey, sessionID))
	}
	defer rows.Close()

	texts := make([]string, 0, limit)
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, goerr.Wrap(err, "failed to scan user message")
		}
		texts = append(texts, text)
	}
	return texts, rows.Err()
}

func (s *SQLiteStore) MessageTopics(ctx context.Context, sessionID string, owner Owner, sequence int64) ([]string, error) {
	if _, err := tailSequence(ctx, s.db, sessionID, owner); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT t.name FROM message_topics mt
        JOIN topics t ON t.id = mt.topic_id
        WHERE mt.session_id = ? AND mt.sequence = ?
        ORDER BY t.name ASC`, sessionID, sequence)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query message topics", goerr.V(SessionIDKey, sessionID))
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, goerr.Wrap(err, "failed to scan topic")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
