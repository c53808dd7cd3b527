// Package syncer reconciles a project's on-disk storage with its working
// tree: it scans the tree, skips files the metadata cache says are
// unchanged, chunks and embeds the rest, and sweeps whatever no longer
// exists. It runs as a single scan-to-completion pass rather than an
// always-on watcher-driven daemon.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/osgrep/osgrep/internal/chunk"
	"github.com/osgrep/osgrep/internal/embedpool"
	osgrepErrors "github.com/osgrep/osgrep/internal/errors"
	"github.com/osgrep/osgrep/internal/gitignore"
	"github.com/osgrep/osgrep/internal/paths"
	"github.com/osgrep/osgrep/internal/scanner"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/ui"
	"github.com/osgrep/osgrep/pkg/storecontract"
)

// defaultBatchLimit bounds pending deletes/metadata commits between flushes,
// independent of the embed-batch-size trigger.
const defaultBatchLimit = 256

// flushRetryConfig absorbs transient store-write contention (e.g. a bbolt
// writer-lock held by a concurrent flush) with a short exponential backoff
// before surfacing the error to the caller.
var flushRetryConfig = osgrepErrors.RetryConfig{
	MaxRetries:   2,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       true,
}

// Config controls one sync pass over a project.
type Config struct {
	RootPath       string
	DataDir        string
	WorkerThreads  int // max in-flight process_file tasks (EMBED concurrency gate)
	EmbedBatchSize int // flush trigger: |batch| >= EmbedBatchSize
	BatchLimit     int // flush trigger: |pending_deletes| or |pending_meta| >= BatchLimit
	MaxFileSize    int64
}

// WithDefaults fills zero-valued fields with sensible defaults.
func (c Config) WithDefaults() Config {
	if c.WorkerThreads <= 0 {
		c.WorkerThreads = 4
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 64
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 10 * 1024 * 1024
	}
	return c
}

// Embedder is the narrow slice of internal/embedpool.Pool the syncer needs:
// computing dense + colbert embeddings for a batch of chunk texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]embedpool.Embedding, error)
}

// Result summarizes one sync pass.
type Result struct {
	Processed int // candidate files examined, unchanged ones included
	Indexed   int // chunks written to storage
	Total     int // candidate files seen
	Deleted   int // stale paths removed
}

// Syncer owns one project's reconciliation pass.
type Syncer struct {
	cfg      Config
	store    storecontract.Store
	embedder Embedder
	chunkers map[scanner.ContentType]chunk.Chunker
	scanner  *scanner.Scanner
	lock     *paths.WriterLock
	log      *slog.Logger
	progress ui.Renderer
}

// New builds a Syncer. cfg should come from Config{...}.WithDefaults(). The
// Syncer reports no progress until SetProgress is called.
func New(cfg Config, st storecontract.Store, embedder Embedder, log *slog.Logger) (*Syncer, error) {
	if log == nil {
		log = slog.Default()
	}
	sc, err := scanner.New()
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}
	return &Syncer{
		cfg: cfg,
		store: st,
		embedder: embedder,
		chunkers: map[scanner.ContentType]chunk.Chunker{
			scanner.ContentTypeCode:     chunk.NewCodeChunker(),
			scanner.ContentTypeMarkdown: chunk.NewMarkdownChunker(),
		},
		scanner:  sc,
		lock:     paths.NewWriterLock(cfg.DataDir),
		log:      log,
		progress: ui.NoopRenderer{},
	}, nil
}

// SetProgress attaches a renderer that receives stage/file events for every
// subsequent Sync call. Passing nil restores the no-op renderer.
func (s *Syncer) SetProgress(r ui.Renderer) {
	if r == nil {
		r = ui.NoopRenderer{}
	}
	s.progress = r
}

type pendingResult struct {
	path    string
	chunks  []*store.ChunkRecord
	deleted bool // mark for delete_by_path (file vanished/binary/empty/errored)
}

// Sync acquires the writer lock and runs one full reconciliation pass.
func (s *Syncer) Sync(ctx context.Context) (result *Result, err error) {
	start := time.Now()
	_ = s.progress.Start(ctx)
	defer func() {
		stats := ui.CompletionStats{Duration: time.Since(start)}
		if result != nil {
			stats.Files = result.Processed
			stats.Chunks = result.Indexed
			stats.Deleted = result.Deleted
		}
		if err != nil {
			stats.Errors = 1
		}
		s.progress.Complete(stats)
		_ = s.progress.Stop()
	}()

	if err := s.lock.TryLock(); err != nil {
		return nil, err
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := s.detectInconsistency(ctx); err != nil {
		return nil, err
	}

	s.progress.UpdateProgress(ui.ProgressEvent{Stage: ui.StageScanning, Message: "walking " + s.cfg.RootPath})

	matcher, err := s.buildIgnoreMatcher()
	if err != nil {
		return nil, fmt.Errorf("build ignore matcher: %w", err)
	}

	scanResults, err := s.scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          s.cfg.RootPath,
		RespectGitignore: false, // the syncer's own matcher covers .gitignore + .osgrepignore + denylist
		MaxFileSize:      s.cfg.MaxFileSize,
	})
	if err != nil {
		return nil, fmt.Errorf("start scan: %w", err)
	}

	result = &Result{}
	seen := make(map[string]struct{})

	var (
		wg        sync.WaitGroup
		sem       = make(chan struct{}, s.cfg.WorkerThreads)
		resultsCh = make(chan pendingResult, s.cfg.WorkerThreads*2)
		flushMu   sync.Mutex

		batch          []*store.ChunkRecord
		pendingDeletes []string
		mu             sync.Mutex

		firstErr error
		errOnce  sync.Once
		cancelled bool
	)

	setErr := func(err error) {
		errOnce.Do(func() { firstErr = err })
	}

	flush := func() error {
		flushMu.Lock()
		defer flushMu.Unlock()

		mu.Lock()
		deletes := pendingDeletes
		inserts := batch
		pendingDeletes = nil
		batch = nil
		mu.Unlock()

		if len(deletes) == 0 && len(inserts) == 0 {
			return nil
		}
		if len(deletes) > 0 {
			if err := osgrepErrors.Retry(ctx, flushRetryConfig, func() error {
				return s.store.DeletePaths(ctx, deletes)
			}); err != nil {
				return fmt.Errorf("flush deletes: %w", err)
			}
		}
		if len(inserts) > 0 {
			if err := osgrepErrors.Retry(ctx, flushRetryConfig, func() error {
				return s.store.InsertBatch(ctx, inserts)
			}); err != nil {
				return fmt.Errorf("flush inserts: %w", err)
			}
		}
		return nil
	}

	collector := make(chan struct{})
	go func() {
		defer close(collector)
		processed := 0
		for pr := range resultsCh {
			processed++
			mu.Lock()
			seen[pr.path] = struct{}{}
			if pr.deleted {
				pendingDeletes = append(pendingDeletes, pr.path)
			} else if len(pr.chunks) > 0 {
				pendingDeletes = append(pendingDeletes, pr.path) // delete-by-path before insert
				batch = append(batch, pr.chunks...)
				result.Indexed += len(pr.chunks)
			}
			needFlush := len(batch) >= s.cfg.EmbedBatchSize ||
				len(pendingDeletes) >= s.cfg.BatchLimit
			mu.Unlock()

			mu.Lock()
			total := result.Total
			mu.Unlock()
			s.progress.UpdateProgress(ui.ProgressEvent{
				Stage:       ui.StageEmbedding,
				Current:     processed,
				Total:       total,
				CurrentFile: pr.path,
			})

			if needFlush {
				s.progress.UpdateProgress(ui.ProgressEvent{Stage: ui.StageIndexing, Message: "flushing batch"})
				if err := flush(); err != nil {
					setErr(err)
				}
			}
		}
	}()

	for sr := range scanResults {
		select {
		case <-ctx.Done():
			cancelled = true
		default:
		}
		if cancelled {
			break
		}
		if sr.Error != nil {
			continue
		}
		f := sr.File
		if matcher.Match(f.Path, false) {
			continue
		}
		if !isIndexableExtension(f.Path) {
			continue
		}
		result.Total++

		wg.Add(1)
		sem <- struct{}{}
		go func(f *scanner.FileInfo) {
			defer wg.Done()
			defer func() { <-sem }()
			pr := s.processFile(ctx, f)
			resultsCh <- pr
		}(f)
	}

	wg.Wait()
	close(resultsCh)
	<-collector

	if err := flush(); err != nil {
		setErr(err)
	}

	if firstErr != nil {
		return result, firstErr
	}
	if cancelled {
		return result, osgrepErrors.Cancelled("sync")
	}

	deleted, err := s.staleSweep(ctx, seen)
	if err != nil {
		return result, err
	}
	result.Deleted = deleted
	result.Processed = len(seen)
	return result, nil
}

// processFile implements steps 4 of the syncer algorithm for one candidate
// path: stat/hash-based dedup, snapshot-then-verify read, chunk, embed.
func (s *Syncer) processFile(ctx context.Context, f *scanner.FileInfo) pendingResult {
	entry, _ := s.store.GetFileEntry(f.Path)
	if entry != nil && entry.MTimeMS == f.ModTime.UnixMilli() && entry.Size == f.Size {
		return pendingResult{path: f.Path} // unchanged, nothing to do, not even a seen-mark delete
	}

	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return pendingResult{path: f.Path, deleted: true}
	}
	info, err := os.Stat(f.AbsPath)
	if err != nil || info.Size() != int64(len(content)) {
		return pendingResult{path: f.Path} // changed mid-read, skip this pass
	}

	hash := contentHash(content)
	if entry != nil && entry.Hash == hash {
		_ = s.store.PutFileEntry(f.Path, store.FileCacheEntry{Hash: hash, MTimeMS: info.ModTime().UnixMilli(), Size: info.Size()})
		return pendingResult{path: f.Path}
	}

	if len(content) == 0 || containsNullByte(content) {
		_ = s.store.PutFileEntry(f.Path, store.FileCacheEntry{Hash: hash, MTimeMS: info.ModTime().UnixMilli(), Size: info.Size()})
		return pendingResult{path: f.Path, deleted: true}
	}

	contentType := scanner.DetectContentType(f.Language)
	chunker, ok := s.chunkers[contentType]
	if !ok {
		return pendingResult{path: f.Path, deleted: true}
	}

	chunks, err := chunker.Chunk(ctx, &chunk.FileInput{Path: f.Path, Content: content, Language: f.Language})
	if err != nil || len(chunks) == 0 {
		return pendingResult{path: f.Path, deleted: true}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		s.log.Warn("embed failed, skipping file this pass", slog.String("path", f.Path), slog.String("error", err.Error()))
		return pendingResult{path: f.Path}
	}

	records := make([]*store.ChunkRecord, len(chunks))
	for i, c := range chunks {
		var e embedpool.Embedding
		if i < len(embeddings) {
			e = embeddings[i]
		}
		records[i] = &store.ChunkRecord{
			ID:             c.ID,
			Path:           f.Path,
			Hash:           hash,
			LineStart:      c.StartLine,
			LineEnd:        c.EndLine,
			Text:           c.Content,
			ContextPrev:    c.ContextPrev,
			ContextNext:    c.ContextNext,
			Kind:           store.ChunkKind(c.Kind),
			Role:           store.ChunkRole(c.Role),
			DefinedSymbols: c.DefinedSymbols,
			Dense:          e.Dense,
			PooledColbert:  e.PooledColbert,
			Colbert: &store.ColbertGrid{
				Tokens: e.ColbertTokens,
				Dims:   e.ColbertDims,
				Scale:  e.ColbertScale,
				Values: e.ColbertValues,
			},
		}
	}

	_ = s.store.PutFileEntry(f.Path, store.FileCacheEntry{Hash: hash, MTimeMS: info.ModTime().UnixMilli(), Size: info.Size()})
	return pendingResult{path: f.Path, chunks: records}
}

// staleSweep deletes (stored_paths - seen_paths) from storage and the file
// cache, step 9 of the algorithm.
func (s *Syncer) staleSweep(ctx context.Context, seen map[string]struct{}) (int, error) {
	stored, err := s.store.ListFileCachePaths()
	if err != nil {
		return 0, fmt.Errorf("list cached paths: %w", err)
	}
	var stale []string
	for _, p := range stored {
		if _, ok := seen[p]; !ok {
			stale = append(stale, p)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.store.DeletePaths(ctx, stale); err != nil {
		return 0, fmt.Errorf("stale sweep: %w", err)
	}
	return len(stale), nil
}

// detectInconsistency implements step 10: storage holding chunk rows while
// the file cache is empty (or the reverse) means a prior run was interrupted
// between writing one index and the other. Either half alone can't be
// trusted, so the caller drops both and rebuilds from the ground up.
func (s *Syncer) detectInconsistency(ctx context.Context) error {
	hasRows, err := s.store.HasAnyRows(ctx)
	if err != nil {
		return fmt.Errorf("check storage rows: %w", err)
	}
	cachedPaths, err := s.store.ListFileCachePaths()
	if err != nil {
		return fmt.Errorf("check file cache: %w", err)
	}
	cacheEmpty := len(cachedPaths) == 0
	if hasRows == cacheEmpty {
		// One side has data the other doesn't: a prior sync was interrupted
		// between committing vectors/FTS and committing the file cache, or
		// vice versa. Surface it loudly; the caller decides whether to wipe
		// the data directory and resync from scratch.
		return osgrepErrors.StorageCorruption("storage and file cache disagree on whether any data exists", nil)
	}
	return nil
}

var denylistDirs = []string{
	"node_modules", "vendor", ".git", paths.DataDirName, "dist", "build", "__pycache__",
}

// buildIgnoreMatcher composes .gitignore + .osgrepignore + the baked-in
// denylist, step 2 of the algorithm.
func (s *Syncer) buildIgnoreMatcher() (*gitignore.Matcher, error) {
	m := gitignore.New()
	for _, d := range denylistDirs {
		m.AddPattern(d + "/")
	}
	for _, f := range []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "go.sum", ".env", ".env.*", "*.pem", "*.key", "id_rsa", "id_ed25519"} {
		m.AddPattern(f)
	}
	if err := m.AddFromFile(filepath.Join(s.cfg.RootPath, ".gitignore"), ""); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err := m.AddFromFile(filepath.Join(s.cfg.RootPath, ".osgrepignore"), ""); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return m, nil
}

var indexableExtensions = map[string]bool{
	".go": true, ".js": true, ".jsx": true, ".mjs": true, ".ts": true, ".tsx": true,
	".py": true, ".rb": true, ".rs": true, ".java": true, ".kt": true, ".c": true,
	".h": true, ".cpp": true, ".hpp": true, ".cs": true, ".php": true, ".swift": true,
	".md": true, ".mdx": true, ".markdown": true, ".rst": true,
}

func isIndexableExtension(path string) bool {
	ext := filepath.Ext(path)
	return indexableExtensions[ext]
}

func containsNullByte(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

func contentHash(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
