package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep/internal/search"
)

// fakeRetriever implements search.Retriever for testing.
type fakeRetriever struct {
	SearchFn func(ctx context.Context, query string, opts search.Options) ([]*search.Result, error)
}

func (f *fakeRetriever) Search(ctx context.Context, query string, opts search.Options) ([]*search.Result, error) {
	if f.SearchFn != nil {
		return f.SearchFn(ctx, query, opts)
	}
	return nil, nil
}

func TestNewServer_RequiresRetriever(t *testing.T) {
	_, err := NewServer(nil, nil)
	require.Error(t, err)
}

func TestNewServer_RegistersSearchTool(t *testing.T) {
	s, err := NewServer(&fakeRetriever{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, s.mcp)
}

func TestHandleSearch_RejectsEmptyQuery(t *testing.T) {
	s, err := NewServer(&fakeRetriever{}, nil)
	require.NoError(t, err)

	_, out, err := s.handleSearch(context.Background(), nil, SearchInput{})
	require.Error(t, err)
	assert.Empty(t, out.Results)
}

func TestHandleSearch_MapsRetrieverResultsToOutput(t *testing.T) {
	retriever := &fakeRetriever{
		SearchFn: func(ctx context.Context, query string, opts search.Options) ([]*search.Result, error) {
			assert.Equal(t, "widget factory", query)
			assert.Equal(t, 5, opts.K)
			assert.Equal(t, "internal/", opts.PathPrefix)
			return []*search.Result{
				{
					Path: "internal/widget/widget.go", Text: "func NewWidget() *Widget {}",
					LineStart: 10, LineEnd: 12, Role: "definition",
					DefinedSymbols: []string{"NewWidget"}, Score: 0.91,
				},
			}, nil
		},
	}
	s, err := NewServer(retriever, nil)
	require.NoError(t, err)

	_, out, err := s.handleSearch(context.Background(), nil, SearchInput{Query: "widget factory", Limit: 5, Scope: "internal/"})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "internal/widget/widget.go", out.Results[0].Path)
	assert.Equal(t, []string{"NewWidget"}, out.Results[0].DefinedSymbols)
	assert.InDelta(t, 0.91, out.Results[0].Score, 0.0001)
}

func TestHandleSearch_PropagatesRetrieverError(t *testing.T) {
	retriever := &fakeRetriever{
		SearchFn: func(ctx context.Context, query string, opts search.Options) ([]*search.Result, error) {
			return nil, assert.AnError
		},
	}
	s, err := NewServer(retriever, nil)
	require.NoError(t, err)

	_, _, err = s.handleSearch(context.Background(), nil, SearchInput{Query: "x"})
	require.Error(t, err)
}
