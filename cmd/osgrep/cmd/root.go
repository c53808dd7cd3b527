// Package cmd provides the CLI commands for Osgrep.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/logging"
	"github.com/osgrep/osgrep/pkg/version"
)

var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for osgrep CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "osgrep",
		Short: "Local-first hybrid code search",
		Long: `Osgrep indexes a codebase and serves hybrid search over it: dense
vector similarity, BM25 keyword matching, and late-interaction reranking,
combined with Reciprocal Rank Fusion.

Everything runs locally. Run 'osgrep index' once, then 'osgrep search
<query>' as often as you like.`,
		Version: version.Version,
	}
	cmd.SetVersionTemplate("osgrep version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.osgrep/logs/")
	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func startLogging(_ *cobra.Command, _ []string) error {
	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
