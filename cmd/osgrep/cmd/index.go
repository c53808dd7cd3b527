package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/logging"
	"github.com/osgrep/osgrep/internal/output"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/syncer"
	"github.com/osgrep/osgrep/internal/ui"
)

func newIndexCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a directory for searching",
		Long: `Index a directory to enable hybrid search over its contents.

This scans files, chunks code and documents, computes dense and
late-interaction embeddings through the embed worker pool, and builds
the BM25, dense, and pooled_colbert indexes.

Re-running index only re-embeds files that changed since the last run;
use --force to clear the existing index and rebuild from scratch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(ctx, cmd, path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Clear the existing index and rebuild from scratch")
	cmd.AddCommand(newIndexInfoCmd())
	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, force bool) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger)
		defer cleanup()
	}

	root, err := projectRoot(path)
	if err != nil {
		return err
	}
	out := output.New(cmd.OutOrStdout())
	cfg := loadConfig(root)

	if force {
		if err := os.RemoveAll(filepath.Join(root, ".osgrep")); err != nil {
			return fmt.Errorf("clear existing index: %w", err)
		}
		out.Status("", "Cleared existing index, starting fresh...")
	}

	st, sCfg, err := openStore(root, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	pool, err := openPool(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("start embed workers: %w", err)
	}
	defer pool.Close()

	syncCfg := syncer.Config{
		RootPath:      root,
		DataDir:       filepath.Join(root, ".osgrep"),
		WorkerThreads: cfg.Performance.IndexWorkers,
		MaxFileSize:   10 * 1024 * 1024,
	}.WithDefaults()

	sy, err := syncer.New(syncCfg, st, pool, slog.Default())
	if err != nil {
		return fmt.Errorf("create syncer: %w", err)
	}
	sy.SetProgress(ui.NewRenderer(ui.NewConfig(cmd.ErrOrStderr())))

	out.Statusf("", "Indexing %s...", root)
	result, err := sy.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if err := st.Save(sCfg); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	_ = st.SetState(store.StateKeyIndexModel, cfg.Embeddings.Model)
	_ = st.SetState(store.StateKeyIndexDimension, fmt.Sprintf("%d", cfg.Embeddings.Dimensions))

	out.SyncSummary(result.Processed, result.Indexed, result.Deleted)
	return nil
}
