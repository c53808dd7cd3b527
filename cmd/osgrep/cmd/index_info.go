package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/paths"
	"github.com/osgrep/osgrep/internal/store"
)

// indexInfo summarizes an on-disk index: what it was built with, and how it
// compares to the embedder configured for the current project.
type indexInfo struct {
	Location   string `json:"location"`
	FileCount  int    `json:"file_count"`
	ChunkCount int    `json:"chunk_count"`

	IndexModel      string `json:"index_model"`
	IndexDimensions int    `json:"index_dimensions"`

	CurrentModel      string `json:"current_model"`
	CurrentDimensions int    `json:"current_dimensions"`
	Compatible        bool   `json:"compatible"`
}

func newIndexInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info [path]",
		Short: "Show index configuration and statistics",
		Long: `Display the search index's configuration and statistics: embedding
model, dimensions, and file/chunk counts.

This command helps you:
- Check which model the current index uses
- Debug dimension mismatch errors
- Verify an index was built correctly after a reindex`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndexInfo(cmd.Context(), cmd, path, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func runIndexInfo(ctx context.Context, cmd *cobra.Command, path string, jsonOutput bool) error {
	root, err := projectRoot(path)
	if err != nil {
		return err
	}

	dataDir := paths.DataDir(root)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return fmt.Errorf("no index found at %s\nrun 'osgrep index %s' to create one", dataDir, path)
	}

	cfg := loadConfig(root)
	st, _, err := openStore(root, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	filePaths, err := st.ListPaths(ctx)
	if err != nil {
		return fmt.Errorf("list indexed files: %w", err)
	}
	chunkIDs, err := st.AllChunkIDs()
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}

	indexModel, _ := st.GetState(store.StateKeyIndexModel)
	indexDimStr, _ := st.GetState(store.StateKeyIndexDimension)
	indexDims := 0
	_, _ = fmt.Sscanf(indexDimStr, "%d", &indexDims)

	info := &indexInfo{
		Location:          filepath.Clean(dataDir),
		FileCount:         len(filePaths),
		ChunkCount:        len(chunkIDs),
		IndexModel:        indexModel,
		IndexDimensions:   indexDims,
		CurrentModel:      cfg.Embeddings.Model,
		CurrentDimensions: cfg.Embeddings.Dimensions,
	}
	info.Compatible = indexModel == "" || (indexModel == info.CurrentModel && indexDims == info.CurrentDimensions)

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	return printIndexInfo(cmd, info)
}

func printIndexInfo(cmd *cobra.Command, info *indexInfo) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Index Information")
	fmt.Fprintln(out, "=================")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Location: %s\n", info.Location)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Statistics:")
	fmt.Fprintf(out, "  Files:  %d\n", info.FileCount)
	fmt.Fprintf(out, "  Chunks: %d\n", info.ChunkCount)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Embedding Configuration:")
	if info.IndexModel != "" {
		fmt.Fprintf(out, "  Index model:   %s (%d dims)\n", info.IndexModel, info.IndexDimensions)
	} else {
		fmt.Fprintln(out, "  Index model:   (not recorded - run 'osgrep index' to populate)")
	}
	fmt.Fprintf(out, "  Current model: %s (%d dims)\n", info.CurrentModel, info.CurrentDimensions)
	fmt.Fprintln(out)

	if info.Compatible {
		fmt.Fprintln(out, "Status: Compatible")
	} else {
		fmt.Fprintln(out, "Status: INCOMPATIBLE - dimension/model mismatch")
		fmt.Fprintln(out, "  Semantic search will be degraded until reindex.")
		fmt.Fprintln(out, "  Run 'osgrep index --force' to rebuild with the current embedder.")
	}

	return nil
}
