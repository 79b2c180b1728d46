package index

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"

	"gwi.com/chat-memory/internal/utils/logging"
)

const chromemCollection = "memories"

// ChromemIndex stores each record as one chromem-go document, so a vector
// and its metadata are always persisted together.
type ChromemIndex struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	dimension  int
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex opens a persistent database at path, or an in-memory one
// when path is empty.
func NewChromemIndex(path string, dimension int) (*ChromemIndex, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, goerr.Wrap(ErrCorruption, "failed to load chromem database",
				goerr.V("path", path), goerr.V("cause", err.Error()))
		}
	}

	// Embeddings are always supplied, so no embedding func is configured.
	col, err := db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open collection", goerr.V("collection", chromemCollection))
	}

	return &ChromemIndex{
		db:         db,
		collection: col,
		dimension:  dimension,
	}, nil
}

func documentID(owner, key string) string {
	return owner + "/" + key
}

func (x *ChromemIndex) Add(ctx context.Context, owner, key, text string, embedding []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := checkEmbedding(key, embedding, x.dimension); err != nil {
		return err
	}

	id := documentID(owner, key)
	// chromem replaces a document with the same ID; records are append only.
	if _, err := x.collection.GetByID(ctx, id); err == nil {
		return goerr.Wrap(ErrDuplicateKey, "memory key already stored", goerr.V("owner", owner), goerr.V("key", key))
	}

	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: append([]float32(nil), embedding...),
		Metadata: map[string]string{
			"owner": owner,
			"key":   key,
		},
	}
	if err := x.collection.AddDocument(ctx, doc); err != nil {
		// A failed persist leaves the document in memory only; drop it so
		// memory matches what a restart would load.
		if derr := x.collection.Delete(ctx, nil, nil, id); derr != nil {
			logging.From(ctx).Error("failed to drop unpersisted document", "key", key, "error", derr)
		}
		return goerr.Wrap(err, "failed to add document", goerr.V("key", key))
	}

	if x.dimension == 0 {
		x.dimension = len(embedding)
	}
	return nil
}

func (x *ChromemIndex) Query(ctx context.Context, owner string, embedding []float32, topK int) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	count := x.collection.Count()
	if topK <= 0 || count == 0 {
		return []string{}, nil
	}
	if x.dimension != 0 && len(embedding) != x.dimension {
		return nil, goerr.Wrap(ErrDimensionMismatch, "query embedding has unexpected dimension",
			goerr.V("expected", x.dimension), goerr.V("actual", len(embedding)))
	}

	// chromem rejects nResults larger than the collection.
	topK = min(topK, count)
	nResults := min(topK*OversampleFactor, count)
	results, err := x.collection.QueryEmbedding(ctx, embedding, nResults, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query collection", goerr.V("n_results", nResults))
	}

	texts := make([]string, 0, topK)
	for _, r := range results {
		if r.Metadata["owner"] != owner {
			continue
		}
		texts = append(texts, r.Content)
		if len(texts) == topK {
			break
		}
	}
	return texts, nil
}

func (x *ChromemIndex) Len() int {
	return x.collection.Count()
}

func (x *ChromemIndex) Close() error {
	return nil
}
