// Package mcp exposes osgrep's hybrid retriever as an MCP tool so AI coding
// assistants (Claude Code, Cursor) can call it directly over stdio, instead
// of shelling out to "osgrep search".
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/osgrep/osgrep/internal/search"
	"github.com/osgrep/osgrep/pkg/version"
)

// Server is the MCP server bridging AI clients to a search.Retriever.
type Server struct {
	mcp       *mcp.Server
	retriever search.Retriever
	logger    *slog.Logger
}

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the search query to execute"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 20"`
	Scope string `json:"scope,omitempty" jsonschema:"restrict results to this path prefix"`
}

// SearchOutput is the output schema for the search tool.
type SearchOutput struct {
	Results []SearchResultOutput `json:"results" jsonschema:"list of search results"`
}

// SearchResultOutput is one ranked hit, shaped for an LLM tool response.
type SearchResultOutput struct {
	Path           string   `json:"path" jsonschema:"file path relative to the project root"`
	Content        string   `json:"content" jsonschema:"matched text"`
	LineStart      int      `json:"line_start" jsonschema:"first line of the match, 1-indexed"`
	LineEnd        int      `json:"line_end" jsonschema:"last line of the match, 1-indexed"`
	Role           string   `json:"role,omitempty" jsonschema:"structural role: definition, call, comment, etc."`
	DefinedSymbols []string `json:"defined_symbols,omitempty" jsonschema:"symbols defined in this chunk"`
	Score          float64  `json:"score" jsonschema:"blended relevance score"`
}

// NewServer builds an MCP server over retriever.
func NewServer(retriever search.Retriever, log *slog.Logger) (*Server, error) {
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{retriever: retriever, logger: log}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "osgrep", Version: version.Version},
		nil,
	)
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Hybrid semantic + keyword search over the indexed codebase. Returns ranked code and documentation chunks with file locations.",
	}, s.handleSearch)
	s.logger.Debug("registered MCP tool", slog.String("name", "search"))
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	if input.Query == "" {
		return nil, SearchOutput{}, fmt.Errorf("query parameter is required")
	}

	opts := search.Options{K: input.Limit, PathPrefix: input.Scope}
	results, err := s.retriever.Search(ctx, input.Query, opts)
	if err != nil {
		return nil, SearchOutput{}, fmt.Errorf("search failed: %w", err)
	}

	out := SearchOutput{Results: make([]SearchResultOutput, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, SearchResultOutput{
			Path:           r.Path,
			Content:        r.Text,
			LineStart:      r.LineStart,
			LineEnd:        r.LineEnd,
			Role:           r.Role,
			DefinedSymbols: r.DefinedSymbols,
			Score:          r.Score,
		})
	}
	return nil, out, nil
}

// Serve runs the server over stdio until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting MCP server", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("MCP server stopped gracefully")
	return nil
}
