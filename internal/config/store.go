package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"gwi.com/chat-memory/internal/store"
	"gwi.com/chat-memory/internal/utils/logging"
)

// Store holds CLI flags for the conversation store backend
type Store struct {
	backend       string
	databaseURL   string
	neo4jURI      string
	neo4jUser     string
	neo4jPassword string `masq:"secret"`
	neo4jDatabase string
}

func (s *Store) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "store-backend",
			Usage:       "Conversation store backend (sqlite, neo4j or memory)",
			Value:       "sqlite",
			Sources:     cli.EnvVars("STORE_BACKEND"),
			Destination: &s.backend,
		},
		&cli.StringFlag{
			Name:        "database-url",
			Usage:       "SQLite database file for the sqlite backend",
			Value:       "gwi_chatbot.db",
			Sources:     cli.EnvVars("DATABASE_URL"),
			Destination: &s.databaseURL,
		},
		&cli.StringFlag{
			Name:        "neo4j-uri",
			Usage:       "Neo4j connection URI (required for the neo4j backend)",
			Sources:     cli.EnvVars("NEO4J_URI"),
			Destination: &s.neo4jURI,
		},
		&cli.StringFlag{
			Name:        "neo4j-username",
			Usage:       "Neo4j username",
			Value:       "neo4j",
			Sources:     cli.EnvVars("NEO4J_USERNAME"),
			Destination: &s.neo4jUser,
		},
		&cli.StringFlag{
			Name:        "neo4j-password",
			Usage:       "Neo4j password",
			Sources:     cli.EnvVars("NEO4J_PASSWORD"),
			Destination: &s.neo4jPassword,
		},
		&cli.StringFlag{
			Name:        "neo4j-database",
			Usage:       "Neo4j database name",
			Value:       "neo4j",
			Sources:     cli.EnvVars("NEO4J_DATABASE"),
			Destination: &s.neo4jDatabase,
		},
	}
}

func (s *Store) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("backend", s.backend),
		slog.String("database_url", s.databaseURL),
		slog.String("neo4j_uri", s.neo4jURI),
		slog.String("neo4j_database", s.neo4jDatabase),
	}
}

// Configure opens the conversation store. The caller closes it.
func (s *Store) Configure(ctx context.Context) (store.ConversationStore, error) {
	switch s.backend {
	case "sqlite":
		if s.databaseURL == "" {
			return nil, goerr.New("database-url is required when using sqlite backend")
		}
		st, err := store.NewSQLiteStore(s.databaseURL)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open sqlite store")
		}
		logging.From(ctx).Info("Using SQLite conversation store", "path", s.databaseURL)
		return st, nil

	case "neo4j":
		if s.neo4jURI == "" {
			return nil, goerr.New("neo4j-uri is required when using neo4j backend")
		}
		st, err := store.NewNeo4jStore(ctx, s.neo4jURI, s.neo4jUser, s.neo4jPassword, s.neo4jDatabase)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open neo4j store")
		}
		logging.From(ctx).Info("Using Neo4j conversation store", "uri", s.neo4jURI, "database", s.neo4jDatabase)
		return st, nil

	case "memory":
		logging.From(ctx).Warn("Using in-memory conversation store, nothing survives a restart")
		return store.NewMemoryStore(), nil

	default:
		return nil, goerr.New("invalid store backend", goerr.V("backend", s.backend))
	}
}
