// Package search implements the hybrid retriever: parallel BM25 + dense
// vector candidate generation, Reciprocal Rank Fusion, structural boosts,
// and a late-interaction MaxSim rerank pass.
package search

import (
	"context"
)

// Weights configures the relative importance of BM25 vs semantic search in
// Reciprocal Rank Fusion.
type Weights struct {
	// BM25 is the weight for keyword search (0-1, default: 0.35).
	BM25 float64

	// Semantic is the weight for vector search (0-1, default: 0.65).
	Semantic float64
}

// DefaultWeights returns the default search weights optimized for mixed queries.
func DefaultWeights() Weights {
	return Weights{
		BM25:     0.35,
		Semantic: 0.65,
	}
}

// FilterOp is a comparison operator in the filter DSL.
type FilterOp string

const (
	FilterEquals     FilterOp = "equals"
	FilterStartsWith FilterOp = "starts_with"
	FilterContains   FilterOp = "contains"
	FilterIn         FilterOp = "in"
)

// FilterClause is one leaf condition: key <op> value.
type FilterClause struct {
	Key   string
	Op    FilterOp
	Value string
	// Values backs FilterIn, one of which must match.
	Values []string
}

// Filter is a boolean combination of clauses: exactly one of All/Any/Not is set.
type Filter struct {
	All []Filter
	Any []Filter
	Not *Filter
	*FilterClause
}

// Match reports whether path/metadata satisfies the filter. A zero Filter
// (no clauses set) matches everything.
func (f Filter) Match(get func(key string) string) bool {
	switch {
	case f.FilterClause != nil:
		return f.FilterClause.match(get)
	case len(f.All) > 0:
		for _, c := range f.All {
			if !c.Match(get) {
				return false
			}
		}
		return true
	case len(f.Any) > 0:
		for _, c := range f.Any {
			if c.Match(get) {
				return true
			}
		}
		return false
	case f.Not != nil:
		return !f.Not.Match(get)
	default:
		return true
	}
}

func (c *FilterClause) match(get func(key string) string) bool {
	v := get(c.Key)
	switch c.Op {
	case FilterEquals:
		return v == c.Value
	case FilterStartsWith:
		return len(v) >= len(c.Value) && v[:len(c.Value)] == c.Value
	case FilterContains:
		return contains(v, c.Value)
	case FilterIn:
		for _, want := range c.Values {
			if v == want {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Options configures one Search call.
type Options struct {
	K          int // final result count
	PathPrefix string
	Filter     Filter
	Weights    *Weights // nil uses the retriever's Config.Weights
}

// Provenance records which candidate-generation stages surfaced a result,
// and its MaxSim rerank contribution, per the output record shape.
type Provenance struct {
	VectorRank  int     // 1-indexed rank in the dense ANN list, 0 if absent
	FTSRank     int     // 1-indexed rank in the FTS list, 0 if absent
	RerankScore float32 // raw MaxSim score before blending with the fused score
}

// Result is one ranked hit returned by the retriever.
type Result struct {
	Text           string
	Path           string
	LineStart      int
	LineEnd        int
	Role           string
	DefinedSymbols []string
	Score          float64
	Rank           int
	Provenance     Provenance
}

// Retriever is the hybrid search pipeline's public surface.
type Retriever interface {
	Search(ctx context.Context, query string, opts Options) ([]*Result, error)
}
