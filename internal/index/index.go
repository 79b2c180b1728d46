// Package index holds the per-owner semantic memory: embeddings of past
// messages that can be searched by similarity.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/m-mizutani/goerr/v2"
)

// OversampleFactor widens the candidate set before owner filtering so that a
// query still finds topK results when other owners dominate the neighborhood.
const OversampleFactor = 5

var (
	// ErrCorruption means the persisted vectors and metadata disagree.
	ErrCorruption = errors.New("semantic index corrupted")

	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidEmbedding rejects vectors that cannot be stored or ranked,
	// such as ones holding NaN or infinite components.
	ErrInvalidEmbedding = errors.New("invalid embedding")

	// ErrDuplicateKey rejects a second record with the same owner and key.
	ErrDuplicateKey = errors.New("duplicate memory key")
)

// checkEmbedding validates a vector about to be added. dimension 0 accepts
// any length.
func checkEmbedding(key string, embedding []float32, dimension int) error {
	if len(embedding) == 0 {
		return goerr.Wrap(ErrDimensionMismatch, "empty embedding", goerr.V("key", key))
	}
	if dimension != 0 && len(embedding) != dimension {
		return goerr.Wrap(ErrDimensionMismatch, "embedding has unexpected dimension",
			goerr.V("key", key), goerr.V("expected", dimension), goerr.V("actual", len(embedding)))
	}
	for i, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return goerr.Wrap(ErrInvalidEmbedding, "embedding has a non-finite component",
				goerr.V("key", key), goerr.V("position", i))
		}
	}
	return nil
}

// Record is one remembered text with its embedding.
type Record struct {
	Owner     string    `json:"owner"`
	Key       string    `json:"key"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// MessageKey is the key of a remembered message.
func MessageKey(sessionID string, sequence int64) string {
	return fmt.Sprintf("%s:%d", sessionID, sequence)
}

type Index interface {
	// Add stores a record. It returns only after the record is durable.
	Add(ctx context.Context, owner, key, text string, embedding []float32) error
	// Query returns up to topK texts belonging to owner, most similar first.
	Query(ctx context.Context, owner string, embedding []float32, topK int) ([]string, error)
	Len() int
	Close() error
}

// Backend persists the records of a FlatIndex. Append must store a record's
// vector and metadata together or not at all.
type Backend interface {
	Load(ctx context.Context) ([]Record, error)
	Append(ctx context.Context, record Record) error
	Close() error
}
