package embedpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	embedCalls  int
	rerankCalls int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([]Embedding, error) {
	c.embedCalls++
	out := make([]Embedding, len(texts))
	for i, t := range texts {
		out[i] = Embedding{Dense: []float32{float32(len(t))}}
	}
	return out, nil
}

func (c *countingEmbedder) Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]RerankScore, error) {
	c.rerankCalls++
	return nil, nil
}

func (c *countingEmbedder) Close() {}

func TestQueryCache_RepeatedQuery_HitsCacheNotPool(t *testing.T) {
	inner := &countingEmbedder{}
	cache := newQueryCache(inner, 16)

	_, err := cache.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	_, err = cache.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)

	assert.Equal(t, 1, inner.embedCalls, "second identical query should be served from cache")
}

func TestQueryCache_DifferentQueries_BothMissCache(t *testing.T) {
	inner := &countingEmbedder{}
	cache := newQueryCache(inner, 16)

	_, err := cache.Embed(context.Background(), []string{"query one"})
	require.NoError(t, err)
	_, err = cache.Embed(context.Background(), []string{"query two"})
	require.NoError(t, err)

	assert.Equal(t, 2, inner.embedCalls)
}

func TestQueryCache_BatchCall_NeverCached(t *testing.T) {
	inner := &countingEmbedder{}
	cache := newQueryCache(inner, 16)

	_, err := cache.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	_, err = cache.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	assert.Equal(t, 2, inner.embedCalls, "multi-text batches bypass the cache every time")
}

func TestQueryCache_ZeroSize_DisablesCaching(t *testing.T) {
	inner := &countingEmbedder{}
	cache := newQueryCache(inner, 0)

	_, err := cache.Embed(context.Background(), []string{"same query"})
	require.NoError(t, err)
	_, err = cache.Embed(context.Background(), []string{"same query"})
	require.NoError(t, err)

	assert.Equal(t, 2, inner.embedCalls)
}

func TestQueryCache_Rerank_AlwaysPassesThrough(t *testing.T) {
	inner := &countingEmbedder{}
	cache := newQueryCache(inner, 16)

	_, err := cache.Rerank(context.Background(), "query", nil)
	require.NoError(t, err)
	_, err = cache.Rerank(context.Background(), "query", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, inner.rerankCalls)
}
