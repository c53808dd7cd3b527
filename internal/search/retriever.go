package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/osgrep/osgrep/internal/embedpool"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/pkg/storecontract"
)

// defaultRerankAlpha blends the MaxSim rerank score with the boosted fused score:
// final = alpha*max_sim + (1-alpha)*boosted_fused.
const defaultRerankAlpha = 0.7

// Embedder is the narrow slice of embedpool.Pool the retriever needs: query
// encoding for candidate generation and MaxSim rerank of the survivors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]embedpool.Embedding, error)
	Rerank(ctx context.Context, query string, candidates []embedpool.RerankCandidate) ([]embedpool.RerankScore, error)
}

// Config controls one Retriever.
type Config struct {
	Weights     Weights
	RRFConstant int
	RerankAlpha float64 // 0-1, weight given to the MaxSim rerank score
}

// WithDefaults fills zero-valued fields with sensible defaults.
func (c Config) WithDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = DefaultRRFConstant
	}
	if c.RerankAlpha <= 0 {
		c.RerankAlpha = defaultRerankAlpha
	}
	return c
}

// hybridRetriever is the concrete Retriever: parallel dense ANN + FTS
// candidate generation, RRF fusion, structural boosts, and a MaxSim rerank
// pass dispatched through the embed pool.
type hybridRetriever struct {
	cfg      Config
	store    storecontract.Store
	embedder Embedder
	fusion   *RRFFusion
}

// New builds a Retriever. cfg should come from Config{...}.WithDefaults().
func New(cfg Config, st storecontract.Store, embedder Embedder) Retriever {
	return &hybridRetriever{
		cfg:      cfg,
		store:    st,
		embedder: embedder,
		fusion:   NewRRFFusionWithK(cfg.RRFConstant),
	}
}

var (
	testPathPattern = regexp.MustCompile(`(?i)(/tests?/|\.test\.|_test\.|_spec\.)`)
	docsPathPattern = regexp.MustCompile(`(?i)(^|/)(docs?|documentation)(/|$)`)
	questionWordsRe = regexp.MustCompile(`(?i)\b(how|where|what|why)\b`)
)

// candidate is a fused result joined back to its full chunk record.
type candidate struct {
	fused *FusedResult
	chunk *store.ChunkRecord
}

// Search runs the four-stage hybrid pipeline and returns the top opts.K
// results, most relevant first.
func (r *hybridRetriever) Search(ctx context.Context, query string, opts Options) ([]*Result, error) {
	if opts.K <= 0 {
		opts.K = 20
	}
	weights := r.cfg.Weights
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	preRerankK := opts.K * 4
	if preRerankK < 40 {
		preRerankK = 40
	}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embed pool returned no embedding for query")
	}
	queryVec := embeddings[0]

	var (
		denseChunks  []*store.ChunkRecord
		denseHits    []*store.VectorResult
		pooledChunks []*store.ChunkRecord
		pooledHits   []*store.VectorResult
		ftsChunks    []*store.ChunkRecord
		ftsHits      []*store.BM25Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		denseChunks, denseHits, err = r.store.VectorSearch(gctx, "dense", queryVec.Dense, preRerankK)
		return err
	})
	g.Go(func() error {
		var err error
		ftsChunks, ftsHits, err = r.store.FTSSearch(gctx, query, preRerankK)
		return err
	})
	g.Go(func() error {
		// Supplement with the pooled_colbert index only when the caller's
		// query has a usable mean vector; thin results are filled in below.
		if len(queryVec.PooledColbert) == 0 {
			return nil
		}
		var err error
		pooledChunks, pooledHits, err = r.store.VectorSearch(gctx, "pooled_colbert", queryVec.PooledColbert, preRerankK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("candidate generation: %w", err)
	}

	chunksByID := make(map[string]*store.ChunkRecord, len(denseChunks)+len(ftsChunks)+len(pooledChunks))
	indexChunks := func(chunks []*store.ChunkRecord) {
		for _, c := range chunks {
			chunksByID[c.ID] = c
		}
	}
	indexChunks(denseChunks)
	indexChunks(ftsChunks)

	// Supplement the vector list with pooled_colbert hits only when the
	// primary dense list came back thin, per the spec's "when candidates are
	// thin" rule.
	if len(denseHits) < preRerankK {
		indexChunks(pooledChunks)
		denseHits = mergeVectorResults(denseHits, pooledHits)
	}

	fused := r.fusion.Fuse(ftsHits, denseHits, weights)

	candidates := make([]candidate, 0, len(fused))
	for _, f := range fused {
		c, ok := chunksByID[f.ChunkID]
		if !ok {
			continue
		}
		if opts.PathPrefix != "" && !strings.HasPrefix(c.Path, opts.PathPrefix) {
			continue
		}
		if !opts.Filter.Match(filterGetter(c)) {
			continue
		}
		candidates = append(candidates, candidate{fused: f, chunk: c})
	}

	boosted := make([]float64, len(candidates))
	for i, c := range candidates {
		boosted[i] = applyStructuralBoosts(c.fused.RRFScore, c.chunk, query)
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if boosted[i] != boosted[j] {
			return boosted[i] > boosted[j]
		}
		if candidates[i].chunk.Path != candidates[j].chunk.Path {
			return candidates[i].chunk.Path < candidates[j].chunk.Path
		}
		return candidates[i].chunk.LineStart < candidates[j].chunk.LineStart
	})
	if len(order) > preRerankK {
		order = order[:preRerankK]
	}

	rerankCandidates := make([]embedpool.RerankCandidate, 0, len(order))
	for _, idx := range order {
		c := candidates[idx].chunk
		if c.Colbert == nil {
			continue
		}
		rerankCandidates = append(rerankCandidates, embedpool.RerankCandidate{
			ID:     c.ID,
			Tokens: c.Colbert.Tokens,
			Dims:   c.Colbert.Dims,
			Scale:  c.Colbert.Scale,
			Values: c.Colbert.Values,
		})
	}

	rerankScores := make(map[string]float32, len(rerankCandidates))
	if len(rerankCandidates) > 0 {
		scores, err := r.embedder.Rerank(ctx, query, rerankCandidates)
		if err != nil {
			return nil, fmt.Errorf("rerank: %w", err)
		}
		for _, s := range scores {
			rerankScores[s.ID] = s.Score
		}
	}

	alpha := r.cfg.RerankAlpha
	if alpha <= 0 {
		alpha = defaultRerankAlpha
	}

	results := make([]*Result, 0, len(order))
	for _, idx := range order {
		c := candidates[idx]
		maxSim := rerankScores[c.chunk.ID]
		final := float64(alpha)*float64(maxSim) + (1-float64(alpha))*boosted[idx]
		results = append(results, &Result{
			Text:           c.chunk.Text,
			Path:           c.chunk.Path,
			LineStart:      c.chunk.LineStart,
			LineEnd:        c.chunk.LineEnd,
			Role:           string(c.chunk.Role),
			DefinedSymbols: c.chunk.DefinedSymbols,
			Score:          final,
			Provenance: Provenance{
				VectorRank:  c.fused.VecRank,
				FTSRank:     c.fused.BM25Rank,
				RerankScore: maxSim,
			},
		})
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		if results[a].Path != results[b].Path {
			return results[a].Path < results[b].Path
		}
		return results[a].LineStart < results[b].LineStart
	})

	if len(results) > opts.K {
		results = results[:opts.K]
	}
	for i, res := range results {
		res.Rank = i + 1
	}
	return results, nil
}

// applyStructuralBoosts applies the multiplicative stage-3 adjustments to a
// fused RRF score.
func applyStructuralBoosts(score float64, c *store.ChunkRecord, query string) float64 {
	switch c.Kind {
	case "FUNCTION", "METHOD", "CLASS":
		score *= 1.20
	}
	if testPathPattern.MatchString(c.Path) {
		score *= 0.75
	}
	if docsPathPattern.MatchString(c.Path) {
		score *= 0.85
	}
	if c.Kind == "ANCHOR" && questionWordsRe.MatchString(query) {
		score *= 1.10
	}
	return score
}

// mergeVectorResults appends b's hits not already present in a, preserving
// a's rank order ahead of b's.
func mergeVectorResults(a, b []*store.VectorResult) []*store.VectorResult {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a))
	for _, r := range a {
		seen[r.ID] = struct{}{}
	}
	out := a
	for _, r := range b {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// filterGetter adapts a chunk record to the Filter DSL's key lookup.
func filterGetter(c *store.ChunkRecord) func(key string) string {
	return func(key string) string {
		switch key {
		case "path":
			return c.Path
		case "kind":
			return string(c.Kind)
		case "role":
			return string(c.Role)
		default:
			return ""
		}
	}
}

var _ Retriever = (*hybridRetriever)(nil)
