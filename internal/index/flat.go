package index

import (
	"context"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"gwi.com/chat-memory/internal/utils"
	"gwi.com/chat-memory/internal/utils/logging"
)

// FlatIndex ranks every stored vector on each query. vectors[i] and
// metadata[i] always describe the same record.
type FlatIndex struct {
	mu        sync.RWMutex
	backend   Backend
	dimension int
	vectors   [][]float32
	metadata  []Record // Embedding left nil; the vector lives in vectors
}

var _ Index = (*FlatIndex)(nil)

// OpenFlatIndex loads all persisted records from backend. dimension 0 means
// the dimension is taken from the first record. A nil backend keeps the
// index in memory only.
func OpenFlatIndex(ctx context.Context, backend Backend, dimension int) (*FlatIndex, error) {
	idx := &FlatIndex{
		backend:   backend,
		dimension: dimension,
	}
	if backend == nil {
		return idx, nil
	}

	records, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}

	for i, rec := range records {
		if len(rec.Embedding) == 0 {
			return nil, goerr.Wrap(ErrCorruption, "record without embedding", goerr.V("position", i), goerr.V("key", rec.Key))
		}
		if idx.dimension == 0 {
			idx.dimension = len(rec.Embedding)
		}
		if len(rec.Embedding) != idx.dimension {
			return nil, goerr.Wrap(ErrDimensionMismatch, "persisted embedding has unexpected dimension",
				goerr.V("position", i), goerr.V("expected", idx.dimension), goerr.V("actual", len(rec.Embedding)))
		}
		idx.vectors = append(idx.vectors, rec.Embedding)
		rec.Embedding = nil
		idx.metadata = append(idx.metadata, rec)
	}

	logging.From(ctx).Info("semantic index loaded", "records", len(records), "dimension", idx.dimension)
	return idx, nil
}

func (x *FlatIndex) Add(ctx context.Context, owner, key, text string, embedding []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := checkEmbedding(key, embedding, x.dimension); err != nil {
		return err
	}

	vector := slices.Clone(embedding)
	rec := Record{Owner: owner, Key: key, Text: text, Embedding: vector}
	if x.backend != nil {
		if err := x.backend.Append(ctx, rec); err != nil {
			return goerr.Wrap(err, "failed to persist record", goerr.V("key", key))
		}
	}

	if x.dimension == 0 {
		x.dimension = len(vector)
	}
	rec.Embedding = nil
	x.vectors = append(x.vectors, vector)
	x.metadata = append(x.metadata, rec)
	return nil
}

type candidate struct {
	position int
	score    float32
}

func (x *FlatIndex) Query(ctx context.Context, owner string, embedding []float32, topK int) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if topK <= 0 || len(x.vectors) == 0 {
		return []string{}, nil
	}
	topK = min(topK, len(x.vectors))
	if len(embedding) != x.dimension {
		return nil, goerr.Wrap(ErrDimensionMismatch, "query embedding has unexpected dimension",
			goerr.V("expected", x.dimension), goerr.V("actual", len(embedding)))
	}

	candidates := make([]candidate, 0, len(x.vectors))
	for i, vec := range x.vectors {
		score, err := utils.CosineSimilarity(embedding, vec)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to score vector", goerr.V("position", i))
		}
		candidates = append(candidates, candidate{position: i, score: score})
	}

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return 0
		}
	})
	if limit := topK * OversampleFactor; len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]string, 0, topK)
	for _, c := range candidates {
		meta := x.metadata[c.position]
		if meta.Owner != owner {
			continue
		}
		results = append(results, meta.Text)
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

func (x *FlatIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

func (x *FlatIndex) Close() error {
	if x.backend == nil {
		return nil
	}
	return x.backend.Close()
}
