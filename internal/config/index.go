package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"gwi.com/chat-memory/internal/index"
	"gwi.com/chat-memory/internal/utils/logging"
)

const snapshotKey = "memory_index.json"

var defaultIndexPaths = map[string]string{
	"sqlite":  "gwi_memory.db",
	"file":    "gwi_memory",
	"chromem": "gwi_memory_chromem",
}

// Index holds CLI flags for the semantic memory index
type Index struct {
	backend   string
	path      string
	gcsBucket string
	gcsPrefix string
	dimension int
}

func (x *Index) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "index-backend",
			Usage:       "Semantic index backend (sqlite, file, gcs, chromem or memory)",
			Value:       "sqlite",
			Sources:     cli.EnvVars("INDEX_BACKEND"),
			Destination: &x.backend,
		},
		&cli.StringFlag{
			Name:        "index-path",
			Usage:       "SQLite file, snapshot directory or chromem directory, depending on the backend",
			Sources:     cli.EnvVars("INDEX_PATH"),
			Destination: &x.path,
		},
		&cli.StringFlag{
			Name:        "gcs-bucket",
			Usage:       "Cloud Storage bucket for the gcs backend",
			Sources:     cli.EnvVars("INDEX_GCS_BUCKET"),
			Destination: &x.gcsBucket,
		},
		&cli.StringFlag{
			Name:        "gcs-prefix",
			Usage:       "Object prefix inside the Cloud Storage bucket",
			Sources:     cli.EnvVars("INDEX_GCS_PREFIX"),
			Destination: &x.gcsPrefix,
		},
		&cli.IntFlag{
			Name:        "embedding-dim",
			Usage:       "Embedding dimension; 0 takes it from the first stored vector",
			Value:       768,
			Sources:     cli.EnvVars("EMBEDDING_DIM"),
			Destination: &x.dimension,
		},
	}
}

func (x *Index) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("backend", x.backend),
		slog.String("path", x.resolvedPath()),
		slog.String("gcs_bucket", x.gcsBucket),
		slog.String("gcs_prefix", x.gcsPrefix),
		slog.Int("dimension", x.dimension),
	}
}

func (x *Index) resolvedPath() string {
	if x.path != "" {
		return x.path
	}
	return defaultIndexPaths[x.backend]
}

// Configure opens the index and loads everything persisted so far. Errors
// wrapping index.ErrCorruption or index.ErrDimensionMismatch mean the
// persisted state cannot be trusted. The caller closes the index.
func (x *Index) Configure(ctx context.Context) (index.Index, error) {
	if x.dimension < 0 {
		return nil, goerr.New("embedding-dim must not be negative", goerr.V("dimension", x.dimension))
	}
	dim := x.dimension
	path := x.resolvedPath()
	logger := logging.From(ctx)

	switch x.backend {
	case "sqlite":
		backend, err := index.NewSQLiteBackend(path)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open sqlite index backend")
		}
		logger.Info("Using SQLite semantic index", "path", path)
		return openFlat(ctx, backend, dim)

	case "file":
		fs, err := index.NewFileStorage(path)
		if err != nil {
			return nil, err
		}
		logger.Info("Using file snapshot semantic index", "dir", path)
		return openFlat(ctx, index.NewSnapshotBackend(fs, snapshotKey), dim)

	case "gcs":
		if x.gcsBucket == "" {
			return nil, goerr.New("gcs-bucket is required when using gcs backend")
		}
		gcs, err := index.NewGCSStorage(ctx, x.gcsBucket, x.gcsPrefix)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Cloud Storage snapshot semantic index", "bucket", x.gcsBucket, "prefix", x.gcsPrefix)
		return openFlat(ctx, index.NewSnapshotBackend(gcs, snapshotKey), dim)

	case "chromem":
		idx, err := index.NewChromemIndex(path, dim)
		if err != nil {
			return nil, err
		}
		logger.Info("Using chromem semantic index", "path", path)
		return idx, nil

	case "memory":
		logger.Warn("Using in-memory semantic index, nothing survives a restart")
		return index.OpenFlatIndex(ctx, nil, dim)

	default:
		return nil, goerr.New("invalid index backend", goerr.V("backend", x.backend))
	}
}

func openFlat(ctx context.Context, backend index.Backend, dim int) (index.Index, error) {
	idx, err := index.OpenFlatIndex(ctx, backend, dim)
	if err != nil {
		if cerr := backend.Close(); cerr != nil {
			logging.From(ctx).Error("failed to close index backend", "error", cerr)
		}
		return nil, err
	}
	return idx, nil
}
