package embedpool

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// poolEmbedder is the slice of *Pool that QueryCache wraps; declared
// separately so tests can substitute a fake worker pool.
type poolEmbedder interface {
	Embed(ctx context.Context, texts []string) ([]Embedding, error)
	Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]RerankScore, error)
	Close()
}

// QueryCache wraps a Pool with an LRU cache over single-text Embed calls, the
// shape every search query takes. Repeated queries (a user refining a search,
// a shell alias re-run) skip the worker round-trip entirely. Batch Embed
// calls (indexing, many distinct chunk texts) bypass the cache and go
// straight to the wrapped pool, since a cache sized for interactive queries
// would thrash on a full-project embed pass.
type QueryCache struct {
	inner poolEmbedder
	cache *lru.Cache[string, Embedding]
}

// NewQueryCache wraps pool with a query-embedding cache of the given size.
// size <= 0 disables caching (every call passes through to pool).
func NewQueryCache(pool *Pool, size int) *QueryCache {
	return newQueryCache(pool, size)
}

func newQueryCache(pool poolEmbedder, size int) *QueryCache {
	if size <= 0 {
		return &QueryCache{inner: pool}
	}
	cache, _ := lru.New[string, Embedding](size)
	return &QueryCache{inner: pool, cache: cache}
}

// Embed serves single-text calls from cache; batches of more than one text
// always pass through, since batch requests are indexing traffic, not
// repeated queries.
func (c *QueryCache) Embed(ctx context.Context, texts []string) ([]Embedding, error) {
	if c.cache == nil || len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}

	if emb, ok := c.cache.Get(texts[0]); ok {
		return []Embedding{emb}, nil
	}

	out, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	c.cache.Add(texts[0], out[0])
	return out, nil
}

// Rerank always passes through: its score depends on the candidate set, not
// just the query text, so it isn't cacheable the same way.
func (c *QueryCache) Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]RerankScore, error) {
	return c.inner.Rerank(ctx, query, candidates)
}

// Close releases the wrapped pool.
func (c *QueryCache) Close() {
	c.inner.Close()
}
