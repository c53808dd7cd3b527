// Package ui provides progress and status rendering for the indexing CLI.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage represents a phase of one sync pass.
type Stage int

const (
	// StageScanning is the file-discovery stage.
	StageScanning Stage = iota
	// StageChunking is the parse-and-chunk stage.
	StageChunking
	// StageEmbedding is the embedding-generation stage.
	StageEmbedding
	// StageIndexing is the flush-to-storage stage.
	StageIndexing
	// StageComplete indicates the sync pass finished.
	StageComplete
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageScanning:
		return "Scanning"
	case StageChunking:
		return "Chunking"
	case StageEmbedding:
		return "Embedding"
	case StageIndexing:
		return "Indexing"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short stage tag used by the plain-text renderer.
func (s Stage) Icon() string {
	switch s {
	case StageScanning:
		return "SCAN"
	case StageChunking:
		return "CHUNK"
	case StageEmbedding:
		return "EMBED"
	case StageIndexing:
		return "INDEX"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ProgressEvent is one progress update emitted during a sync pass.
type ProgressEvent struct {
	Stage       Stage
	Current     int
	Total       int
	CurrentFile string
	Message     string
}

// ErrorEvent is one file-level warning or error emitted during a sync pass.
type ErrorEvent struct {
	File   string
	Err    error
	IsWarn bool
}

// CompletionStats summarizes one finished sync pass.
type CompletionStats struct {
	Files    int
	Chunks   int
	Deleted  int
	Duration time.Duration
	Errors   int
	Warnings int
}

// Renderer is the progress display a Syncer reports to. Sync never blocks on
// it; renderers that need to be non-blocking (a future TUI) are responsible
// for their own buffering.
type Renderer interface {
	Start(ctx context.Context) error
	UpdateProgress(event ProgressEvent)
	AddError(event ErrorEvent)
	Complete(stats CompletionStats)
	Stop() error
}

// Config configures the renderer NewRenderer builds.
type Config struct {
	Output     io.Writer
	NoColor    bool
	ProjectDir string
}

// NewConfig builds a Config writing to out with sensible defaults.
func NewConfig(out io.Writer) Config {
	return Config{Output: out}
}

// NewRenderer builds the renderer appropriate for out: plain text always,
// since this spec carries no full-screen interactive view (see DESIGN.md).
// IsTTY/DetectCI are kept so a future renderer can branch on them exactly as
// the teacher's NewRenderer does.
func NewRenderer(cfg Config) Renderer {
	return NewPlainRenderer(cfg)
}

// IsTTY reports whether w is a terminal, via isatty (also recognizing a
// Windows/Cygwin pty).
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether NO_COLOR is set, per https://no-color.org.
func DetectNoColor() bool {
	_, ok := os.LookupEnv("NO_COLOR")
	return ok
}

// DetectCI reports whether any common CI environment variable is set.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, ok := os.LookupEnv(v); ok {
			return true
		}
	}
	return false
}

// NoopRenderer discards every event; the Syncer's default when the caller
// supplies none.
type NoopRenderer struct{}

func (NoopRenderer) Start(context.Context) error    { return nil }
func (NoopRenderer) UpdateProgress(ProgressEvent)    {}
func (NoopRenderer) AddError(ErrorEvent)             {}
func (NoopRenderer) Complete(CompletionStats)        {}
func (NoopRenderer) Stop() error                     { return nil }

var _ Renderer = NoopRenderer{}
