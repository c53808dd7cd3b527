package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/embedpool"
	"github.com/osgrep/osgrep/internal/paths"
	"github.com/osgrep/osgrep/internal/store"
)

// projectRoot resolves the project root for path, falling back to path
// itself if no .git or .osgrep marker is found.
func projectRoot(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	root, err := paths.FindProjectRoot(absPath)
	if err != nil {
		return absPath, nil
	}
	return root, nil
}

// storeConfig builds the on-disk layout a store.Store opens for root.
func storeConfig(root string, cfg *config.Config) store.Config {
	return store.Config{
		MetadataPath: paths.MetadataCachePath(root),
		DensePath:    paths.DenseVectorPath(root),
		PooledPath:   paths.ColbertVectorPath(root),
		FTSBasePath:  filepath.Join(paths.DataDir(root), "fts"),
		BM25Backend:  cfg.Search.BM25Backend,
	}
}

// openStore opens (creating if absent) every backing file for root.
func openStore(root string, cfg *config.Config) (*store.Store, store.Config, error) {
	if _, err := paths.EnsureDataDir(root); err != nil {
		return nil, store.Config{}, fmt.Errorf("create data directory: %w", err)
	}
	sCfg := storeConfig(root, cfg)
	st, err := store.Open(sCfg)
	if err != nil {
		return nil, store.Config{}, err
	}
	return st, sCfg, nil
}

// openPool spawns the embedding worker pool described by cfg.Worker.
func openPool(ctx context.Context, cfg *config.Config, log *slog.Logger) (*embedpool.Pool, error) {
	n := cfg.Worker.Count
	if cfg.Worker.Single {
		n = 1
	}
	poolCfg := embedpool.DefaultConfig(resolveEmbedWorkerBinPath(cfg.Worker.BinPath))
	if cfg.Worker.TaskTimeoutMS > 0 {
		poolCfg.TaskTimeout = time.Duration(cfg.Worker.TaskTimeoutMS) * time.Millisecond
	}
	if cfg.Worker.TimeoutMS > 0 {
		poolCfg.SpawnTimeout = time.Duration(cfg.Worker.TimeoutMS) * time.Millisecond
	}
	if cfg.Worker.MaxRSSBytes > 0 {
		poolCfg.MaxRSSBytes = uint64(cfg.Worker.MaxRSSBytes)
	}
	return embedpool.New(ctx, poolCfg, n, log)
}

// resolveEmbedWorkerBinPath returns explicit when set, else the
// osgrep-embedworker binary installed alongside the running osgrep binary.
func resolveEmbedWorkerBinPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "osgrep-embedworker")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate
		}
	}
	return "osgrep-embedworker" // resolved via PATH
}

// loadConfig loads root's merged config, falling back to defaults.
func loadConfig(root string) *config.Config {
	cfg, err := config.Load(root)
	if err != nil {
		return config.NewConfig()
	}
	return cfg
}
