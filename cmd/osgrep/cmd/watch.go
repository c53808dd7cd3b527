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
	"github.com/osgrep/osgrep/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Index a directory, then keep it in sync as files change",
		Long: `Watch runs an initial index pass, then listens for filesystem events
and re-syncs whenever files are created, modified, deleted, or renamed
under the project root. Falls back to polling if the OS file-watching
mechanism can't be initialized.

This is a thin wrapper around "osgrep index": the watcher only decides
when to re-sync, the syncer's own scan/dedup pass (internal/syncer.Syncer)
still decides what actually changed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runWatch(ctx, cmd, path)
		},
	}
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, path string) error {
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

	resync := func(reason string) error {
		out.Statusf("", "Syncing %s (%s)...", root, reason)
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

	if err := resync("initial"); err != nil {
		return err
	}

	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(ctx, root); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer func() { _ = w.Stop() }()

	out.Status("", "Watching for changes (ctrl-c to stop)...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}
			if err := resync(summarizeBatch(batch)); err != nil {
				slog.Error("resync after watch event failed", slog.String("error", err.Error()))
				out.Errorf("resync failed: %v", err)
			}
		case watchErr, ok := <-w.Errors():
			if !ok {
				continue
			}
			slog.Warn("watcher reported a non-fatal error", slog.String("error", watchErr.Error()))
		}
	}
}

// summarizeBatch turns a debounced batch of filesystem events into a short
// human-readable reason string for the resync status line.
func summarizeBatch(batch []watcher.FileEvent) string {
	if len(batch) == 0 {
		return "watch event"
	}
	if len(batch) == 1 {
		return fmt.Sprintf("%s %s", batch[0].Operation, batch[0].Path)
	}
	return fmt.Sprintf("%d file changes", len(batch))
}
