package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/embedpool"
	"github.com/osgrep/osgrep/internal/logging"
	"github.com/osgrep/osgrep/internal/mcp"
	"github.com/osgrep/osgrep/internal/search"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the indexed codebase over MCP (stdio)",
		Long: `Serve exposes the hybrid retriever as an MCP "search" tool over stdio,
so AI coding assistants (Claude Code, Cursor) can call it directly instead
of shelling out to "osgrep search".

The MCP protocol requires stdout to carry JSON-RPC exclusively; logging is
routed to a file instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger)
		defer cleanup()
	}

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

	pool, err := openPool(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("start embed workers: %w", err)
	}
	cachedPool := embedpool.NewQueryCache(pool, cfg.Worker.VectorCacheMax)
	defer cachedPool.Close()

	retrieverCfg := search.Config{
		Weights:     search.Weights{BM25: cfg.Search.BM25Weight, Semantic: cfg.Search.SemanticWeight},
		RRFConstant: cfg.Search.RRFConstant,
		RerankAlpha: cfg.Search.RerankAlpha,
	}.WithDefaults()
	retriever := search.New(retrieverCfg, st, cachedPool)

	srv, err := mcp.NewServer(retriever, slog.Default())
	if err != nil {
		return fmt.Errorf("create MCP server: %w", err)
	}
	return srv.Serve(ctx)
}
