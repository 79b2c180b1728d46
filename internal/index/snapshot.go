package index

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// ErrObjectNotFound is returned by ObjectStorage.Get for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage stores whole objects. Put replaces the object atomically: on
// error the previous object is left as it was.
type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

type snapshot struct {
	Dimension int         `json:"dimension"`
	Vectors   [][]float32 `json:"vectors"`
	Metadata  []Record    `json:"metadata"`
}

// SnapshotBackend rewrites one snapshot object holding every record on each
// Append. It suits small indexes; the write cost grows with the index.
type SnapshotBackend struct {
	mu      sync.Mutex
	storage ObjectStorage
	key     string
	current snapshot
}

var _ Backend = (*SnapshotBackend)(nil)

func NewSnapshotBackend(storage ObjectStorage, key string) *SnapshotBackend {
	return &SnapshotBackend{storage: storage, key: key}
}

func (b *SnapshotBackend) Load(ctx context.Context) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, err := b.storage.Get(ctx, b.key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			b.current = snapshot{}
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to open snapshot", goerr.V("key", b.key))
	}
	defer r.Close()

	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, goerr.Wrap(ErrCorruption, "unreadable snapshot", goerr.V("key", b.key), goerr.V("cause", err.Error()))
	}
	if len(snap.Vectors) != len(snap.Metadata) {
		return nil, goerr.Wrap(ErrCorruption, "vector and metadata counts differ",
			goerr.V("key", b.key), goerr.V("vectors", len(snap.Vectors)), goerr.V("metadata", len(snap.Metadata)))
	}

	records := make([]Record, len(snap.Vectors))
	for i := range snap.Vectors {
		if snap.Dimension != 0 && len(snap.Vectors[i]) != snap.Dimension {
			return nil, goerr.Wrap(ErrCorruption, "vector does not match snapshot dimension",
				goerr.V("key", b.key), goerr.V("position", i))
		}
		records[i] = snap.Metadata[i]
		records[i].Embedding = snap.Vectors[i]
	}
	b.current = snap
	return records, nil
}

func (b *SnapshotBackend) Append(ctx context.Context, record Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := snapshot{
		Dimension: b.current.Dimension,
		Vectors:   append(b.current.Vectors[:len(b.current.Vectors):len(b.current.Vectors)], record.Embedding),
		Metadata:  append(b.current.Metadata[:len(b.current.Metadata):len(b.current.Metadata)], Record{Owner: record.Owner, Key: record.Key, Text: record.Text}),
	}
	if next.Dimension == 0 {
		next.Dimension = len(record.Embedding)
	}

	data, err := json.Marshal(&next)
	if err != nil {
		return goerr.Wrap(err, "failed to encode snapshot", goerr.V("key", b.key))
	}
	if err := b.storage.Put(ctx, b.key, data); err != nil {
		return goerr.Wrap(err, "failed to write snapshot", goerr.V("key", b.key))
	}

	b.current = next
	return nil
}

func (b *SnapshotBackend) Close() error {
	if c, ok := b.storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// FileStorage stores objects as files under a directory. Put writes a
// temporary file and renames it over the target.
type FileStorage struct {
	dir string
}

var _ ObjectStorage = (*FileStorage)(nil)

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create snapshot directory", goerr.V("dir", dir))
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) Put(ctx context.Context, key string, data []byte) error {
	target := filepath.Join(s.dir, key)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(key)+".tmp-*")
	if err != nil {
		return goerr.Wrap(err, "failed to create temporary snapshot", goerr.V("path", target))
	}

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return goerr.Wrap(err, "failed to write snapshot", goerr.V("path", tmp.Name()))
	}
	if err := tmp.Sync(); err != nil {
		return goerr.Wrap(err, "failed to sync snapshot", goerr.V("path", tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return goerr.Wrap(err, "failed to close snapshot", goerr.V("path", tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return goerr.Wrap(err, "failed to replace snapshot", goerr.V("path", target))
	}
	committed = true
	return nil
}

func (s *FileStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path := filepath.Join(s.dir, key)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, goerr.Wrap(ErrObjectNotFound, "snapshot file not found", goerr.V("path", path))
		}
		return nil, goerr.Wrap(err, "failed to open snapshot file", goerr.V("path", path))
	}
	return f, nil
}

// GCSStorage stores objects in a Cloud Storage bucket. An object write is
// committed when its writer is closed.
type GCSStorage struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

var _ ObjectStorage = (*GCSStorage)(nil)

func NewGCSStorage(ctx context.Context, bucketName, prefix string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &GCSStorage{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
	}, nil
}

func (s *GCSStorage) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.prefix + key)
}

// Put uploads data in one object write. A failed write cancels the upload,
// so the object keeps its previous generation.
func (s *GCSStorage) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.object(key).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		cancel()
		_ = writer.Close()
		return goerr.Wrap(err, "failed to upload snapshot", goerr.V("key", s.prefix+key))
	}
	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to commit snapshot", goerr.V("key", s.prefix+key))
	}
	return nil
}

func (s *GCSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, goerr.Wrap(ErrObjectNotFound, "snapshot object not found",
				goerr.V("bucket", s.bucketName), goerr.V("key", s.prefix+key))
		}
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("key", s.prefix+key))
	}
	return reader, nil
}

func (s *GCSStorage) Close() error {
	return s.client.Close()
}
