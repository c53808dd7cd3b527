package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep/internal/embedpool"
	"github.com/osgrep/osgrep/internal/store"
)

// =============================================================================
// Hybrid Retriever Tests
// =============================================================================
// A fake storecontract.Store and a fake Embedder stand in for the HNSW/FTS
// backend and the embed worker pool so these exercise the fusion, filter,
// structural boost, and rerank-blend logic without any real index or
// subprocess.
// =============================================================================

// fakeStore implements storecontract.Store with a fixed in-memory result set.
type fakeStore struct {
	chunks      map[string]*store.ChunkRecord
	denseHits   []*store.VectorResult
	pooledHits  []*store.VectorResult
	ftsHits     []*store.BM25Result
	hasRows     bool
}

func (f *fakeStore) resolve(hits []*store.VectorResult) []*store.ChunkRecord {
	out := make([]*store.ChunkRecord, 0, len(hits))
	for _, h := range hits {
		if c, ok := f.chunks[h.ID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeStore) VectorSearch(ctx context.Context, field string, query []float32, k int) ([]*store.ChunkRecord, []*store.VectorResult, error) {
	if field == "pooled_colbert" {
		return f.resolve(f.pooledHits), f.pooledHits, nil
	}
	return f.resolve(f.denseHits), f.denseHits, nil
}

func (f *fakeStore) FTSSearch(ctx context.Context, query string, limit int) ([]*store.ChunkRecord, []*store.BM25Result, error) {
	out := make([]*store.ChunkRecord, 0, len(f.ftsHits))
	for _, h := range f.ftsHits {
		if c, ok := f.chunks[h.DocID]; ok {
			out = append(out, c)
		}
	}
	return out, f.ftsHits, nil
}

func (f *fakeStore) InsertBatch(ctx context.Context, chunks []*store.ChunkRecord) error { return nil }
func (f *fakeStore) DeletePaths(ctx context.Context, paths []string) error              { return nil }
func (f *fakeStore) ListPaths(ctx context.Context) ([]string, error)                    { return nil, nil }
func (f *fakeStore) CreateFTSIndex(ctx context.Context) error                           { return nil }
func (f *fakeStore) HasAnyRows(ctx context.Context) (bool, error)                       { return f.hasRows, nil }
func (f *fakeStore) AllChunkIDs() ([]string, error)                                     { return nil, nil }
func (f *fakeStore) GetFileEntry(path string) (*store.FileCacheEntry, error)            { return nil, nil }
func (f *fakeStore) PutFileEntry(path string, entry store.FileCacheEntry) error         { return nil }
func (f *fakeStore) ListFileCachePaths() ([]string, error)                              { return nil, nil }
func (f *fakeStore) SetState(key, value string) error                                  { return nil }
func (f *fakeStore) GetState(key string) (string, error)                               { return "", nil }
func (f *fakeStore) Save(cfg store.Config) error                                       { return nil }
func (f *fakeStore) Drop(cfg store.Config) error                                        { return nil }
func (f *fakeStore) Close() error                                                       { return nil }

// fakeEmbedder implements Embedder with a fixed query vector and per-ID rerank
// scores, so tests can control exactly which candidate "wins" the MaxSim pass.
type fakeEmbedder struct {
	queryVec     embedpool.Embedding
	rerankScores map[string]float32
	embedErr     error
	rerankErr    error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([]embedpool.Embedding, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([]embedpool.Embedding, len(texts))
	for i := range texts {
		out[i] = f.queryVec
	}
	return out, nil
}

func (f *fakeEmbedder) Rerank(ctx context.Context, query string, candidates []embedpool.RerankCandidate) ([]embedpool.RerankScore, error) {
	if f.rerankErr != nil {
		return nil, f.rerankErr
	}
	scores := make([]embedpool.RerankScore, len(candidates))
	for i, c := range candidates {
		scores[i] = embedpool.RerankScore{ID: c.ID, Score: f.rerankScores[c.ID]}
	}
	return scores, nil
}

func chunk(id, path string, kind store.ChunkKind) *store.ChunkRecord {
	return &store.ChunkRecord{
		ID:        id,
		Path:      path,
		Text:      "chunk body for " + id,
		LineStart: 1,
		LineEnd:   10,
		Kind:      kind,
		Role:      "definition",
		Colbert: &store.ColbertGrid{
			Tokens: 1,
			Dims:   1,
			Scale:  1,
			Values: []int8{1},
		},
	}
}

func TestHybridRetriever_Search_FusesDenseAndFTSResults(t *testing.T) {
	a := chunk("a", "main.go", "FUNCTION")
	b := chunk("b", "util.go", "FUNCTION")

	st := &fakeStore{
		chunks:    map[string]*store.ChunkRecord{"a": a, "b": b},
		denseHits: []*store.VectorResult{{ID: "a", Score: 0.9}},
		ftsHits:   []*store.BM25Result{{DocID: "b", Score: 2.0}},
	}
	emb := &fakeEmbedder{rerankScores: map[string]float32{"a": 0.5, "b": 0.5}}

	r := New(Config{}.WithDefaults(), st, emb)
	results, err := r.Search(context.Background(), "query", Options{K: 10})

	require.NoError(t, err)
	assert.Len(t, results, 2)

	paths := []string{results[0].Path, results[1].Path}
	assert.Contains(t, paths, "main.go")
	assert.Contains(t, paths, "util.go")
	for i, res := range results {
		assert.Equal(t, i+1, res.Rank)
	}
}

func TestHybridRetriever_Search_PathPrefixFilter_ExcludesNonMatching(t *testing.T) {
	a := chunk("a", "internal/config/config.go", "FUNCTION")
	b := chunk("b", "cmd/osgrep/main.go", "FUNCTION")

	st := &fakeStore{
		chunks:    map[string]*store.ChunkRecord{"a": a, "b": b},
		denseHits: []*store.VectorResult{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}},
	}
	emb := &fakeEmbedder{rerankScores: map[string]float32{"a": 0.5, "b": 0.5}}

	r := New(Config{}.WithDefaults(), st, emb)
	results, err := r.Search(context.Background(), "query", Options{K: 10, PathPrefix: "internal/"})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "internal/config/config.go", results[0].Path)
}

func TestHybridRetriever_Search_FilterDSL_MatchesByKind(t *testing.T) {
	a := chunk("a", "main.go", "FUNCTION")
	b := chunk("b", "main.go", "COMMENT")

	st := &fakeStore{
		chunks:    map[string]*store.ChunkRecord{"a": a, "b": b},
		denseHits: []*store.VectorResult{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}},
	}
	emb := &fakeEmbedder{rerankScores: map[string]float32{"a": 0.5, "b": 0.5}}

	r := New(Config{}.WithDefaults(), st, emb)
	results, err := r.Search(context.Background(), "query", Options{
		K:      10,
		Filter: Filter{FilterClause: &FilterClause{Key: "kind", Op: FilterEquals, Value: "FUNCTION"}},
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "main.go", results[0].Path)
}

func TestHybridRetriever_Search_StructuralBoost_FavorsFunctionOverPlainCode(t *testing.T) {
	fn := chunk("fn", "a.go", "FUNCTION")
	plain := chunk("plain", "b.go", "CODE")

	// Put each candidate at rank 1 of its own list, with equal BM25/semantic
	// weights, so they fuse to the same RRF score and only the structural
	// boost can separate them.
	st := &fakeStore{
		chunks:    map[string]*store.ChunkRecord{"fn": fn, "plain": plain},
		denseHits: []*store.VectorResult{{ID: "fn", Score: 0.9}},
		ftsHits:   []*store.BM25Result{{DocID: "plain", Score: 0.9}},
	}
	emb := &fakeEmbedder{rerankScores: map[string]float32{"fn": 0, "plain": 0}}

	r := New(Config{Weights: Weights{BM25: 0.5, Semantic: 0.5}}.WithDefaults(), st, emb)
	results, err := r.Search(context.Background(), "query", Options{K: 10})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a.go", results[0].Path, "FUNCTION chunk should outrank plain CODE chunk at equal fused rank")
}

func TestHybridRetriever_Search_TestPath_Penalized(t *testing.T) {
	prod := chunk("prod", "internal/widget/widget.go", "FUNCTION")
	test := chunk("test", "internal/widget/widget_test.go", "FUNCTION")

	st := &fakeStore{
		chunks:    map[string]*store.ChunkRecord{"prod": prod, "test": test},
		denseHits: []*store.VectorResult{{ID: "prod", Score: 0.9}},
		ftsHits:   []*store.BM25Result{{DocID: "test", Score: 0.9}},
	}
	emb := &fakeEmbedder{rerankScores: map[string]float32{"prod": 0, "test": 0}}

	r := New(Config{Weights: Weights{BM25: 0.5, Semantic: 0.5}}.WithDefaults(), st, emb)
	results, err := r.Search(context.Background(), "query", Options{K: 10})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "internal/widget/widget.go", results[0].Path, "production code should outrank its test file at equal fused rank")
}

func TestHybridRetriever_Search_RerankBlendCanReorderCandidates(t *testing.T) {
	low := chunk("low", "low.go", "FUNCTION")
	high := chunk("high", "high.go", "FUNCTION")

	st := &fakeStore{
		chunks: map[string]*store.ChunkRecord{"low": low, "high": high},
		// "low" fuses ahead, but "high" wins on MaxSim rerank once alpha
		// weights the rerank score heavily.
		denseHits: []*store.VectorResult{{ID: "low", Score: 0.95}, {ID: "high", Score: 0.10}},
	}
	emb := &fakeEmbedder{rerankScores: map[string]float32{"low": 0.0, "high": 1.0}}

	r := New(Config{RerankAlpha: 0.99}.WithDefaults(), st, emb)
	results, err := r.Search(context.Background(), "query", Options{K: 10})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "high.go", results[0].Path, "a dominant rerank score should be able to overturn the fused order")
}

func TestHybridRetriever_Search_EmbedError_Propagates(t *testing.T) {
	st := &fakeStore{chunks: map[string]*store.ChunkRecord{}}
	emb := &fakeEmbedder{embedErr: assert.AnError}

	r := New(Config{}.WithDefaults(), st, emb)
	_, err := r.Search(context.Background(), "query", Options{K: 10})

	assert.Error(t, err)
}

func TestHybridRetriever_Search_RerankError_Propagates(t *testing.T) {
	a := chunk("a", "a.go", "FUNCTION")
	st := &fakeStore{
		chunks:    map[string]*store.ChunkRecord{"a": a},
		denseHits: []*store.VectorResult{{ID: "a", Score: 0.9}},
	}
	emb := &fakeEmbedder{rerankErr: assert.AnError}

	r := New(Config{}.WithDefaults(), st, emb)
	_, err := r.Search(context.Background(), "query", Options{K: 10})

	assert.Error(t, err)
}

func TestHybridRetriever_Search_EmptyIndex_ReturnsNoResults(t *testing.T) {
	st := &fakeStore{chunks: map[string]*store.ChunkRecord{}}
	emb := &fakeEmbedder{rerankScores: map[string]float32{}}

	r := New(Config{}.WithDefaults(), st, emb)
	results, err := r.Search(context.Background(), "query", Options{K: 10})

	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHybridRetriever_Search_ZeroK_DefaultsToTwenty(t *testing.T) {
	chunks := make(map[string]*store.ChunkRecord)
	hits := make([]*store.VectorResult, 0, 25)
	scores := make(map[string]float32)
	for i := 0; i < 25; i++ {
		id := string(rune('a' + i))
		chunks[id] = chunk(id, id+".go", "FUNCTION")
		hits = append(hits, &store.VectorResult{ID: id, Score: float32(25-i) / 25})
		scores[id] = 0
	}
	st := &fakeStore{chunks: chunks, denseHits: hits}
	emb := &fakeEmbedder{rerankScores: scores}

	r := New(Config{}.WithDefaults(), st, emb)
	results, err := r.Search(context.Background(), "query", Options{})

	require.NoError(t, err)
	assert.Len(t, results, 20, "K<=0 should default to 20 results")
}

func TestHybridRetriever_Search_PooledColbertSupplementsThinDenseResults(t *testing.T) {
	dense := chunk("dense", "dense.go", "FUNCTION")
	pooled := chunk("pooled", "pooled.go", "FUNCTION")

	st := &fakeStore{
		chunks:     map[string]*store.ChunkRecord{"dense": dense, "pooled": pooled},
		denseHits:  []*store.VectorResult{{ID: "dense", Score: 0.9}},
		pooledHits: []*store.VectorResult{{ID: "pooled", Score: 0.7}},
	}
	emb := &fakeEmbedder{
		queryVec:     embedpool.Embedding{Dense: []float32{0.1}, PooledColbert: []float32{0.1}},
		rerankScores: map[string]float32{"dense": 0.5, "pooled": 0.5},
	}

	r := New(Config{}.WithDefaults(), st, emb)
	results, err := r.Search(context.Background(), "query", Options{K: 10})

	require.NoError(t, err)
	paths := make([]string, len(results))
	for i, res := range results {
		paths[i] = res.Path
	}
	assert.Contains(t, paths, "pooled.go", "thin dense results should be supplemented from the pooled_colbert index")
}
