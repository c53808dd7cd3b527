// Package storecontract defines the public storage interface osgrep's core
// components (syncer, retriever) depend on, independent of which concrete
// backend (HNSW + bbolt + bleve/sqlite, today) implements it.
package storecontract

import (
	"context"

	"github.com/osgrep/osgrep/internal/store"
)

// Store is the eight-operation contract every storage backend must satisfy:
// insert_batch, delete_paths, list_paths, vector_search, fts_search,
// create_fts_index, has_any_rows, and close/drop.
type Store interface {
	// InsertBatch upserts chunk records into every index (metadata, ANN, FTS).
	InsertBatch(ctx context.Context, chunks []*store.ChunkRecord) error

	// DeletePaths removes every chunk belonging to the given paths.
	DeletePaths(ctx context.Context, paths []string) error

	// ListPaths returns every distinct indexed path.
	ListPaths(ctx context.Context) ([]string, error)

	// VectorSearch runs k-NN search against the named field ("dense" or
	// "pooled_colbert") and returns resolved chunk records alongside the
	// raw distance/score results.
	VectorSearch(ctx context.Context, field string, query []float32, k int) ([]*store.ChunkRecord, []*store.VectorResult, error)

	// FTSSearch runs BM25 keyword search and returns resolved chunk records
	// alongside the raw BM25 results.
	FTSSearch(ctx context.Context, query string, limit int) ([]*store.ChunkRecord, []*store.BM25Result, error)

	// CreateFTSIndex prepares the full-text index schema for a fresh store.
	CreateFTSIndex(ctx context.Context) error

	// HasAnyRows reports whether the store holds any data yet.
	HasAnyRows(ctx context.Context) (bool, error)

	// AllChunkIDs returns every stored chunk ID, for consistency sweeps.
	AllChunkIDs() ([]string, error)

	// GetFileEntry returns the syncer's cached (hash, mtime, size) for path.
	GetFileEntry(path string) (*store.FileCacheEntry, error)

	// PutFileEntry records path's current (hash, mtime, size).
	PutFileEntry(path string, entry store.FileCacheEntry) error

	// ListFileCachePaths returns every path with a cached file entry.
	ListFileCachePaths() ([]string, error)

	// SetState/GetState persist schema and runtime bookkeeping (embedder
	// model/dimension, chunk ID version) used to detect corruption.
	SetState(key, value string) error
	GetState(key string) (string, error)

	// Save persists the ANN indexes to the dense and pooled paths in cfg.
	Save(cfg store.Config) error

	// Drop removes all backing files for the store.
	Drop(cfg store.Config) error

	// Close releases all backing resources without deleting them.
	Close() error
}

var _ Store = (*store.Store)(nil)
