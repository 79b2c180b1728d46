package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend keeps vectors and metadata in two tables keyed by position.
// Both rows of a record are written in one transaction.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

func NewSQLiteBackend(dataSourceName string) (*SQLiteBackend, error) {
	dsn := dataSourceName
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open index database", goerr.V("dsn", dataSourceName))
	}
	if err := db.Ping(); err != nil {
		return nil, goerr.Wrap(err, "failed to ping index database", goerr.V("dsn", dataSourceName))
	}

	schema := `
    CREATE TABLE IF NOT EXISTS memory_vectors (
        position INTEGER PRIMARY KEY,
        embedding TEXT NOT NULL -- JSON array of float32
    );
    CREATE TABLE IF NOT EXISTS memory_metadata (
        position INTEGER PRIMARY KEY,
        owner TEXT NOT NULL,
        key TEXT NOT NULL,
        text TEXT NOT NULL
    );
    `
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to initialize index schema")
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]Record, error) {
	var vectorCount, metadataCount int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_vectors").Scan(&vectorCount); err != nil {
		return nil, goerr.Wrap(err, "failed to count vectors")
	}
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_metadata").Scan(&metadataCount); err != nil {
		return nil, goerr.Wrap(err, "failed to count metadata")
	}
	if vectorCount != metadataCount {
		return nil, goerr.Wrap(ErrCorruption, "vector and metadata counts differ",
			goerr.V("vectors", vectorCount), goerr.V("metadata", metadataCount))
	}

	rows, err := b.db.QueryContext(ctx, `
        SELECT v.position, m.position, v.embedding, m.owner, m.key, m.text
        FROM memory_vectors v
        LEFT JOIN memory_metadata m ON m.position = v.position
        ORDER BY v.position ASC`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query index records")
	}
	defer rows.Close()

	records := make([]Record, 0, vectorCount)
	for rows.Next() {
		var position int64
		var metaPosition sql.NullInt64
		var embedding string
		var owner, key, text sql.NullString
		if err := rows.Scan(&position, &metaPosition, &embedding, &owner, &key, &text); err != nil {
			return nil, goerr.Wrap(err, "failed to scan index record")
		}
		if !metaPosition.Valid {
			return nil, goerr.Wrap(ErrCorruption, "vector without metadata", goerr.V("position", position))
		}

		rec := Record{Owner: owner.String, Key: key.String, Text: text.String}
		if err := json.Unmarshal([]byte(embedding), &rec.Embedding); err != nil {
			return nil, goerr.Wrap(ErrCorruption, "unreadable embedding",
				goerr.V("position", position), goerr.V("cause", err.Error()))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate index records")
	}
	return records, nil
}

func (b *SQLiteBackend) Append(ctx context.Context, record Record) error {
	embedding, err := json.Marshal(record.Embedding)
	if err != nil {
		return goerr.Wrap(err, "failed to encode embedding", goerr.V("key", record.Key))
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var position int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position) + 1, 0) FROM memory_vectors").Scan(&position); err != nil {
		return goerr.Wrap(err, "failed to allocate position")
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memory_vectors (position, embedding) VALUES (?, ?)", position, string(embedding)); err != nil {
		return goerr.Wrap(err, "failed to insert vector", goerr.V("position", position))
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memory_metadata (position, owner, key, text) VALUES (?, ?, ?, ?)",
		position, record.Owner, record.Key, record.Text); err != nil {
		return goerr.Wrap(err, "failed to insert metadata", goerr.V("position", position))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit index record", goerr.V("key", record.Key))
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
