package embedpool

import (
	"context"
	"math"
	"strings"

	"github.com/osgrep/osgrep/internal/embed"
)

// ColbertDimensions and MaxColbertTokens bound the late-interaction token
// grid a worker computes per chunk: up to MaxColbertTokens token vectors,
// each ColbertDimensions wide, pooled and quantized before being handed
// back to the store.
const (
	ColbertDimensions = 48
	MaxColbertTokens  = 64
)

// ComputeEmbedding produces both the dense (768-dim static hash embedding)
// and the colbert (per-token, up to MaxColbertTokens x ColbertDimensions,
// int8-quantized, plus its mean-pooled vector) representation of text. The
// colbert grid uses its own FNV token hashing, so both fields stay
// deterministic and dependency-free. Used by cmd/osgrep-embedworker.
func ComputeEmbedding(ctx context.Context, dense *embed.StaticEmbedder768, text string) (Embedding, error) {
	d, err := dense.Embed(ctx, text)
	if err != nil {
		return Embedding{}, err
	}

	tokens := colbertTokens(text)
	grid := make([][]float32, len(tokens))
	for i, tok := range tokens {
		grid[i] = tokenVector(tok, ColbertDimensions)
	}
	pooled := meanPool(grid, ColbertDimensions)
	values, scale := quantizeInt8(flatten(grid))

	return Embedding{
		Dense:         d,
		PooledColbert: pooled,
		ColbertTokens: len(tokens),
		ColbertDims:   ColbertDimensions,
		ColbertScale:  scale,
		ColbertValues: values,
	}, nil
}

// colbertTokens splits text into up to MaxColbertTokens whitespace/punct
// separated tokens, the grid over which MaxSim scoring operates.
func colbertTokens(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})
	if len(fields) > MaxColbertTokens {
		fields = fields[:MaxColbertTokens]
	}
	if len(fields) == 0 {
		fields = []string{""}
	}
	return fields
}

// tokenVector hashes a single token into a unit-length vector at colbert
// width, each dimension +1 or -1 by a bit of the token's evolving FNV hash.
func tokenVector(tok string, dims int) []float32 {
	v := make([]float32, dims)
	h := fnvHash(tok)
	for i := 0; i < dims; i++ {
		bit := (h >> uint(i%32)) & 1
		if bit == 1 {
			v[i] = 1
		} else {
			v[i] = -1
		}
		h = h*2654435761 + uint32(i)
	}
	return normalize(v)
}

func fnvHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := math.Sqrt(sum)
	if mag == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}

func meanPool(grid [][]float32, dims int) []float32 {
	pooled := make([]float32, dims)
	if len(grid) == 0 {
		return pooled
	}
	for _, v := range grid {
		for i, x := range v {
			pooled[i] += x
		}
	}
	for i := range pooled {
		pooled[i] /= float32(len(grid))
	}
	return normalize(pooled)
}

func flatten(grid [][]float32) []float32 {
	if len(grid) == 0 {
		return nil
	}
	out := make([]float32, 0, len(grid)*len(grid[0]))
	for _, v := range grid {
		out = append(out, v...)
	}
	return out
}

// quantizeInt8 scales values into [-127, 127] using a single per-grid scale
// factor, as ColbertGrid.Dequantize (internal/store/types.go) expects.
func quantizeInt8(values []float32) ([]int8, float32) {
	if len(values) == 0 {
		return nil, 1
	}
	var maxAbs float32
	for _, v := range values {
		a := v
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		maxAbs = 1
	}
	scale := maxAbs / 127
	out := make([]int8, len(values))
	for i, v := range values {
		q := int32(math.Round(float64(v / scale)))
		if q > 127 {
			q = 127
		}
		if q < -127 {
			q = -127
		}
		out[i] = int8(q)
	}
	return out, scale
}

// MaxSim computes the late-interaction MaxSim score between a query token
// grid and a stored candidate grid: for each query token, the highest
// cosine similarity against any candidate token, summed over query tokens.
func MaxSim(queryGrid [][]float32, candidate RerankCandidate) float32 {
	if candidate.Tokens == 0 || candidate.Dims == 0 {
		return 0
	}
	docGrid := dequantizeGrid(candidate)
	var total float32
	for _, qv := range queryGrid {
		best := float32(-1)
		for _, dv := range docGrid {
			s := dot(qv, dv)
			if s > best {
				best = s
			}
		}
		total += best
	}
	return total
}

func dequantizeGrid(c RerankCandidate) [][]float32 {
	grid := make([][]float32, c.Tokens)
	for t := 0; t < c.Tokens; t++ {
		v := make([]float32, c.Dims)
		for d := 0; d < c.Dims; d++ {
			idx := t*c.Dims + d
			if idx < len(c.Values) {
				v[d] = float32(c.Values[idx]) * c.Scale
			}
		}
		grid[t] = v
	}
	return grid
}

func dot(a, b []float32) float32 {
	var s float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}

// QueryGrid computes the per-token grid for a rerank query, mirroring
// colbertTokens/tokenVector so query and document grids share the same hash
// space.
func QueryGrid(text string) [][]float32 {
	tokens := colbertTokens(text)
	grid := make([][]float32, len(tokens))
	for i, tok := range tokens {
		grid[i] = tokenVector(tok, ColbertDimensions)
	}
	return grid
}
