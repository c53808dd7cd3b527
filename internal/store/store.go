package store

import (
	"context"
	"fmt"
	"os"

	"github.com/osgrep/osgrep/internal/errors"
)

// Store composes the Metadata Cache, two HNSW ANN indexes (dense and
// pooled_colbert), and a BM25 full-text index into the eight operations of
// the storage contract (see pkg/storecontract).
type Store struct {
	root string
	meta *MetadataCache
	dense VectorStore
	pooled VectorStore
	fts BM25Index
}

// Config locates the on-disk files a Store opens.
type Config struct {
	MetadataPath string
	DensePath    string
	PooledPath   string
	FTSBasePath  string
	BM25Backend  string
}

// Open opens or creates every backing file a Store needs.
func Open(cfg Config) (*Store, error) {
	meta, err := OpenMetadataCache(cfg.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata cache: %w", err)
	}

	dense, err := openHNSW(cfg.DensePath, DenseDimensions)
	if err != nil {
		_ = meta.Close()
		return nil, fmt.Errorf("open dense vector store: %w", err)
	}

	pooled, err := openHNSW(cfg.PooledPath, ColbertTokenDimensions)
	if err != nil {
		_ = meta.Close()
		_ = dense.Close()
		return nil, fmt.Errorf("open pooled_colbert vector store: %w", err)
	}

	fts, err := NewBM25IndexWithBackend(cfg.FTSBasePath, DefaultBM25Config(), cfg.BM25Backend)
	if err != nil {
		_ = meta.Close()
		_ = dense.Close()
		_ = pooled.Close()
		return nil, fmt.Errorf("open fts index: %w", err)
	}

	return &Store{meta: meta, dense: dense, pooled: pooled, fts: fts}, nil
}

func openHNSW(path string, dims int) (VectorStore, error) {
	cfg := DefaultVectorStoreConfig(dims)
	s, err := NewHNSWStore(cfg)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if loadErr := s.Load(path); loadErr != nil {
				return nil, loadErr
			}
		}
	}
	return s, nil
}

// InsertBatch upserts chunk records into the metadata cache, both ANN
// indexes, and the FTS index. This is the storage contract's insert_batch.
func (s *Store) InsertBatch(ctx context.Context, chunks []*ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.meta.InsertBatch(chunks); err != nil {
		return errors.StorageCorruption("metadata insert failed", err)
	}

	denseIDs := make([]string, 0, len(chunks))
	denseVecs := make([][]float32, 0, len(chunks))
	pooledIDs := make([]string, 0, len(chunks))
	pooledVecs := make([][]float32, 0, len(chunks))
	docs := make([]*Document, 0, len(chunks))

	for _, c := range chunks {
		if len(c.Dense) == DenseDimensions {
			denseIDs = append(denseIDs, c.ID)
			denseVecs = append(denseVecs, c.Dense)
		}
		if len(c.PooledColbert) == ColbertTokenDimensions {
			pooledIDs = append(pooledIDs, c.ID)
			pooledVecs = append(pooledVecs, c.PooledColbert)
		}
		docs = append(docs, &Document{ID: c.ID, Content: c.Text})
	}

	if len(denseIDs) > 0 {
		if err := s.dense.Add(ctx, denseIDs, denseVecs); err != nil {
			return fmt.Errorf("add dense vectors: %w", err)
		}
	}
	if len(pooledIDs) > 0 {
		if err := s.pooled.Add(ctx, pooledIDs, pooledVecs); err != nil {
			return fmt.Errorf("add pooled_colbert vectors: %w", err)
		}
	}
	if len(docs) > 0 {
		if err := s.fts.Index(ctx, docs); err != nil {
			return fmt.Errorf("add fts documents: %w", err)
		}
	}
	return nil
}

// DeletePaths removes every chunk belonging to the given paths from all
// indexes. This is the storage contract's delete_paths.
func (s *Store) DeletePaths(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	ids, err := s.meta.DeletePaths(paths)
	if err != nil {
		return errors.StorageCorruption("metadata delete failed", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.dense.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete dense vectors: %w", err)
	}
	if err := s.pooled.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete pooled_colbert vectors: %w", err)
	}
	if err := s.fts.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete fts documents: %w", err)
	}
	return nil
}

// ListPaths returns every distinct indexed path. This is the storage
// contract's list_paths.
func (s *Store) ListPaths(ctx context.Context) ([]string, error) {
	return s.meta.ListPaths()
}

// VectorSearch runs k-NN search against either the dense or pooled_colbert
// field and resolves hits back to full chunk records. This is the storage
// contract's vector_search.
func (s *Store) VectorSearch(ctx context.Context, field string, query []float32, k int) ([]*ChunkRecord, []*VectorResult, error) {
	var vs VectorStore
	switch field {
	case "dense":
		vs = s.dense
	case "pooled_colbert":
		vs = s.pooled
	default:
		return nil, nil, fmt.Errorf("unknown vector field %q", field)
	}

	results, err := vs.Search(ctx, query, k)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	chunks, err := s.meta.GetChunks(ids)
	if err != nil {
		return nil, nil, err
	}
	return chunks, results, nil
}

// FTSSearch runs BM25 keyword search and resolves hits back to full chunk
// records. This is the storage contract's fts_search.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]*ChunkRecord, []*BM25Result, error) {
	results, err := s.fts.Search(ctx, query, limit)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.DocID
	}
	chunks, err := s.meta.GetChunks(ids)
	if err != nil {
		return nil, nil, err
	}
	return chunks, results, nil
}

// CreateFTSIndex is a no-op for the always-on BM25 index implementations used
// here (bleve/sqlite create their schema lazily on first Index call); it
// exists to satisfy the storage contract's create_fts_index operation for
// backends that need explicit schema creation.
func (s *Store) CreateFTSIndex(ctx context.Context) error {
	return nil
}

// HasAnyRows reports whether the store holds any chunks, used by the syncer
// to distinguish a cold start from an incremental resync. This is the
// storage contract's has_any_rows.
func (s *Store) HasAnyRows(ctx context.Context) (bool, error) {
	return s.meta.HasAnyRows()
}

// AllChunkIDs returns every stored chunk ID, used by the syncer's stale-entry
// sweep and corruption detection.
func (s *Store) AllChunkIDs() ([]string, error) {
	return s.meta.AllChunkIDs()
}

// GetFileEntry returns the syncer's cached (hash, mtime, size) for path.
func (s *Store) GetFileEntry(path string) (*FileCacheEntry, error) {
	return s.meta.GetFileEntry(path)
}

// PutFileEntry records path's current (hash, mtime, size) for future syncs.
func (s *Store) PutFileEntry(path string, entry FileCacheEntry) error {
	return s.meta.PutFileEntry(path, entry)
}

// ListFileCachePaths returns every path with a cached file entry, used for
// the stale-path sweep (stored_paths - seen_paths).
func (s *Store) ListFileCachePaths() ([]string, error) {
	return s.meta.ListFileCachePaths()
}

// State exposes the metadata cache's schema/runtime state bucket (embedder
// model/dimension bookkeeping, chunk ID versioning).
func (s *Store) SetState(key, value string) error { return s.meta.SetState(key, value) }
func (s *Store) GetState(key string) (string, error) { return s.meta.GetState(key) }

// Save persists both ANN indexes to the dense and pooled paths in cfg.
func (s *Store) Save(cfg Config) error {
	if cfg.DensePath != "" {
		if err := s.dense.Save(cfg.DensePath); err != nil {
			return fmt.Errorf("save dense vector store: %w", err)
		}
	}
	if cfg.PooledPath != "" {
		if err := s.pooled.Save(cfg.PooledPath); err != nil {
			return fmt.Errorf("save pooled_colbert vector store: %w", err)
		}
	}
	return nil
}

// Drop closes and removes every backing file. This is the storage contract's
// drop operation.
func (s *Store) Drop(cfg Config) error {
	if err := s.Close(); err != nil {
		return err
	}
	paths := []string{cfg.MetadataPath, cfg.DensePath, cfg.PooledPath}
	for _, p := range []string{cfg.DensePath, cfg.PooledPath} {
		if p != "" {
			paths = append(paths, p+".meta")
		}
	}
	if b := cfg.FTSBasePath; b != "" {
		paths = append(paths, b+".db", b+".db-wal", b+".db-shm", b+".bleve")
	}
	for _, p := range paths {
		if p != "" {
			_ = os.RemoveAll(p)
		}
	}
	return nil
}

// Close releases all backing resources. This is the storage contract's close.
func (s *Store) Close() error {
	var firstErr error
	for _, c := range []func() error{s.meta.Close, s.dense.Close, s.pooled.Close, s.fts.Close} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
