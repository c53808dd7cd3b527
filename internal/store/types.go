// Package store provides the dense/pooled_colbert HNSW indexes, the BM25/FTS
// index, and the bbolt-backed metadata cache that together back a project's
// search index.
package store

import (
	"context"
	"fmt"
	"time"
)

// ContentType represents the type of content in a chunk.
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// State keys for metadata store (QW-5: dimension mismatch handling)
const (
	// StateKeyIndexDimension stores the embedding dimension used for the index
	StateKeyIndexDimension = "index_embedding_dimension"
	// StateKeyIndexModel stores the embedding model name used for the index
	StateKeyIndexModel = "index_embedding_model"
)

// Document represents a document to be indexed in BM25.
type Document struct {
	ID      string // Chunk ID
	Content string // Text content
}

// BM25Result represents a single BM25 search result.
type BM25Result struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// IndexStats provides statistics about the BM25 index.
type IndexStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// BM25Index provides keyword search using BM25 algorithm.
type BM25Index interface {
	// Index adds documents to the index
	Index(ctx context.Context, docs []*Document) error

	// Search returns documents matching query, scored by BM25
	Search(ctx context.Context, query string, limit int) ([]*BM25Result, error)

	// Delete removes documents from index
	Delete(ctx context.Context, docIDs []string) error

	// AllIDs returns all document IDs in the index (for consistency checks)
	AllIDs() ([]string, error)

	// Stats returns index statistics
	Stats() *IndexStats

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// BM25Config configures the BM25 index.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2)
	K1 float64

	// B is the length normalization parameter (default: 0.75)
	B float64

	// StopWords is a list of words to filter out during tokenization
	StopWords []string

	// MinTokenLength is minimum token length to index (default: 2)
	MinTokenLength int
}

// DefaultBM25Config returns default BM25 configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultCodeStopWords,
		MinTokenLength: 2,
	}
}

// DefaultCodeStopWords contains programming keywords to filter out.
var DefaultCodeStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
}

// VectorResult represents a single vector search result.
type VectorResult struct {
	ID       string  // Chunk ID
	Distance float32 // Lower is more similar (0-2 for cosine)
	Score    float32 // Normalized similarity (0-1)
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension (768 for Hugot/EmbeddingGemma, 384 for MiniLM, 256 for static)
	Dimensions int

	// Quantization is the vector precision: "f32", "f16", "i8" (default: "f16")
	Quantization string

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean) (default: "cos")
	Metric string

	// M is HNSW max connections per layer (default: 32)
	M int

	// EfConstruction is HNSW build-time search width (default: 128)
	EfConstruction int

	// EfSearch is HNSW query-time search width (default: 64)
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Quantization:   "f16",
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStore provides semantic search using HNSW algorithm.
type VectorStore interface {
	// Add inserts vectors with their IDs. If an ID exists, it is replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds k nearest neighbors to query vector.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	// AllIDs returns all vector IDs in the store (for consistency checks)
	AllIDs() []string

	// Contains checks if ID exists.
	Contains(id string) bool

	// Count returns number of vectors.
	Count() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// ChunkKind mirrors chunk.Kind without creating an import cycle between store and chunk.
type ChunkKind string

// ChunkRole mirrors chunk.Role without creating an import cycle between store and chunk.
type ChunkRole string

// Dimensions of the two embedding fields stored per chunk.
const (
	// DenseDimensions is the width of the mean-pooled sentence embedding.
	DenseDimensions = 768
	// ColbertTokenDimensions is the per-token width of the late-interaction grid.
	ColbertTokenDimensions = 48
	// MaxColbertTokens bounds how many per-token vectors a grid keeps; longer
	// chunks are truncated rather than growing storage unbounded.
	MaxColbertTokens = 64
)

// ColbertGrid is a per-token embedding matrix used for MaxSim late-interaction
// reranking, stored int8-quantized with a single shared scale factor so the
// grid is compact enough to sit in the Metadata Cache alongside the dense
// vector and raw text.
type ColbertGrid struct {
	Tokens int     // number of token vectors in Values
	Dims   int     // dimensions per token vector
	Scale  float32 // dequantize: float = int8 * Scale
	Values []int8  // row-major, length Tokens*Dims
}

// Dequantize returns the float32 vector for token i.
func (g *ColbertGrid) Dequantize(i int) []float32 {
	if g == nil || i < 0 || i >= g.Tokens {
		return nil
	}
	out := make([]float32, g.Dims)
	base := i * g.Dims
	for d := 0; d < g.Dims; d++ {
		out[d] = float32(g.Values[base+d]) * g.Scale
	}
	return out
}

// ChunkRecord is the full, content-addressed retrieval unit persisted by the
// storage layer: chunk text plus both embedding fields (dense, for the ANN
// index, and pooled_colbert/colbert, for late-interaction reranking).
type ChunkRecord struct {
	ID          string // 128-bit UUID, see internal/chunk.generateChunkID
	Path        string
	Hash        string // content hash of RawContent, for change detection
	LineStart   int
	LineEnd     int
	Text        string // full chunk content (breadcrumb + raw content)
	ContextPrev string
	ContextNext string
	Kind        ChunkKind
	Role        ChunkRole

	DefinedSymbols []string

	Dense         []float32    // mean-pooled sentence embedding, DenseDimensions wide
	Colbert       *ColbertGrid // per-token embedding grid for MaxSim reranking
	PooledColbert []float32    // mean of the colbert grid's rows, for the secondary ANN index

	UpdatedAt time.Time
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'osgrep reindex --force')", e.Expected, e.Got)
}
