package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/embedpool"
	"github.com/osgrep/osgrep/internal/logging"
	"github.com/osgrep/osgrep/internal/output"
	"github.com/osgrep/osgrep/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit    int
	scope    string // path prefix filter
	format   string // "text", "json", "tsv"
	bm25Only bool   // skip semantic search, rank by BM25 alone
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed codebase",
		Long: `Search the indexed codebase using hybrid search.

Combines BM25 keyword search and dense/late-interaction semantic search
via Reciprocal Rank Fusion, structural boosts, and a MaxSim rerank pass.

Examples:
  osgrep search "authentication middleware"
  osgrep search "handleRequest" --limit 5
  osgrep search "error handling" --format json
  osgrep search "config loader" --scope internal/config`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			query := strings.Join(args, " ")
			return runSearch(ctx, cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json, tsv")
	cmd.Flags().StringVarP(&opts.scope, "scope", "s", "", "Filter results to a path prefix (e.g. internal/config)")
	cmd.Flags().BoolVar(&opts.bm25Only, "bm25-only", false, "Use keyword search only (skip semantic weighting)")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger)
		defer cleanup()
	}
	slog.Info("search_started", slog.String("query", query), slog.Int("limit", opts.limit))

	root, err := projectRoot(".")
	if err != nil {
		return err
	}
	cfg := loadConfig(root)

	st, _, err := openStore(root, cfg)
	if err != nil {
		return fmt.Errorf("no index found, run 'osgrep index' first: %w", err)
	}
	defer func() { _ = st.Close() }()

	hasRows, err := st.HasAnyRows(ctx)
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	if !hasRows {
		return fmt.Errorf("no index found, run 'osgrep index' first")
	}

	pool, err := openPool(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("start embed workers: %w", err)
	}
	cachedPool := embedpool.NewQueryCache(pool, cfg.Worker.VectorCacheMax)
	defer cachedPool.Close()

	weights := search.Weights{BM25: cfg.Search.BM25Weight, Semantic: cfg.Search.SemanticWeight}
	if opts.bm25Only {
		weights = search.Weights{BM25: 1, Semantic: 0}
	}
	retrieverCfg := search.Config{
		Weights:     weights,
		RRFConstant: cfg.Search.RRFConstant,
		RerankAlpha: cfg.Search.RerankAlpha,
	}.WithDefaults()
	retriever := search.New(retrieverCfg, st, cachedPool)

	searchOpts := search.Options{K: opts.limit, PathPrefix: opts.scope}
	if opts.limit <= 0 {
		searchOpts.K = cfg.Search.MaxResults
	}

	results, err := retriever.Search(ctx, query, searchOpts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	slog.Info("search_complete", slog.Int("results", len(results)))

	out := output.New(cmd.OutOrStdout())
	if len(results) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	switch opts.format {
	case "json":
		return formatSearchJSON(cmd, results)
	case "tsv":
		return formatSearchTSV(cmd, results)
	default:
		return formatSearchText(out, query, results)
	}
}

// formatSearchText prints results in human-readable form.
func formatSearchText(out *output.Writer, query string, results []*search.Result) error {
	out.Statusf("", "Found %d results for %q:", len(results), query)
	out.Newline()

	for _, r := range results {
		location := r.Path
		if r.LineStart > 0 {
			location = fmt.Sprintf("%s:%d-%d", r.Path, r.LineStart, r.LineEnd)
		}
		out.Statusf("", "%d. %s (score: %.3f, role: %s)", r.Rank, location, r.Score, r.Role)
		for _, line := range snippetLines(r.Text, 3) {
			out.Status("", "   "+line)
		}
		out.Newline()
	}
	return nil
}

// formatSearchJSON writes the full result set as JSON.
func formatSearchJSON(cmd *cobra.Command, results []*search.Result) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// formatSearchTSV writes one tab-separated row per result:
// path  line_start-line_end  score  role  defined_symbols  preview
func formatSearchTSV(cmd *cobra.Command, results []*search.Result) error {
	w := cmd.OutOrStdout()
	for _, r := range results {
		preview := strings.Join(snippetLines(r.Text, 1), " ")
		_, err := fmt.Fprintf(w, "%s\t%d-%d\t%.4f\t%s\t%s\t%s\n",
			r.Path, r.LineStart, r.LineEnd, r.Score, r.Role,
			strings.Join(r.DefinedSymbols, ","), preview)
		if err != nil {
			return err
		}
	}
	return nil
}

// snippetLines returns the first n non-trailing-blank lines of text.
func snippetLines(text string, n int) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
