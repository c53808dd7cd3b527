package embedpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	osgrepErrors "github.com/osgrep/osgrep/internal/errors"
)

// taskRetryConfig governs the single retry-on-a-different-worker that Embed
// and Rerank perform when their chosen worker fails a call.
var taskRetryConfig = osgrepErrors.RetryConfig{MaxRetries: 1}

// Pool dispatches embed/rerank tasks round-robin across a fixed set of
// worker subprocesses, restarting any worker that dies or exceeds its RSS
// cap. Restarts are deduplicated per worker slot so a crash loop doesn't
// spawn unbounded processes. A circuit breaker trips when the whole pool is
// failing (every worker restarting in a loop) so callers fail fast with
// NoWorker instead of retrying against a pool that can't recover.
type Pool struct {
	cfg     Config
	log     *slog.Logger
	mu      sync.Mutex
	workers []*worker
	next    uint64

	restarting map[int]bool
	breaker    *osgrepErrors.CircuitBreaker
}

// New starts a pool of n worker subprocesses (n=1 when cfg.SingleWorker is
// requested by the caller).
func New(ctx context.Context, cfg Config, n int, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	if n < 1 {
		n = 1
	}
	p := &Pool{
		cfg:        cfg,
		log:        log,
		restarting: make(map[int]bool),
		breaker:    osgrepErrors.NewCircuitBreaker("embedpool", osgrepErrors.WithMaxFailures(n*3)),
	}
	p.workers = make([]*worker, n)
	for i := 0; i < n; i++ {
		w := newWorker(cfg, log)
		if err := w.spawn(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("spawn worker %d/%d: %w", i+1, n, err)
		}
		p.workers[i] = w
	}
	return p, nil
}

// Close terminates every worker.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w != nil {
			_ = w.terminate()
		}
	}
}

// pick returns the next live worker via round-robin, restarting dead ones
// along the way.
func (p *Pool) pick(ctx context.Context) (*worker, int, error) {
	p.mu.Lock()
	n := len(p.workers)
	p.mu.Unlock()
	if n == 0 {
		return nil, -1, osgrepErrors.NoWorker()
	}

	for attempt := 0; attempt < n; attempt++ {
		idx := int(atomic.AddUint64(&p.next, 1)-1) % n

		p.mu.Lock()
		w := p.workers[idx]
		p.mu.Unlock()

		if w == nil {
			continue
		}
		state := w.getState()
		if state == StateDead {
			p.restart(ctx, idx, "dead")
			continue
		}
		if w.overRSSCap() {
			p.restart(ctx, idx, "rss_cap_exceeded")
			continue
		}
		return w, idx, nil
	}
	return nil, -1, osgrepErrors.NoWorker()
}

// restart replaces the worker at idx, deduplicating concurrent restart
// attempts for the same slot.
func (p *Pool) restart(ctx context.Context, idx int, reason string) {
	p.mu.Lock()
	if p.restarting[idx] {
		p.mu.Unlock()
		return
	}
	p.restarting[idx] = true
	old := p.workers[idx]
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.restarting, idx)
		p.mu.Unlock()
	}()

	if old != nil {
		_ = old.kill()
	}

	w := newWorker(p.cfg, p.log)
	if err := w.spawn(ctx); err != nil {
		p.log.Error("failed to restart embed worker", slog.Int("slot", idx), slog.String("error", err.Error()))
		return
	}
	restartErr := osgrepErrors.WorkerRestart(w.id, reason)
	p.log.Warn(restartErr.Error(), slog.String("id", w.id), slog.Int("slot", idx), slog.String("reason", reason))

	p.mu.Lock()
	p.workers[idx] = w
	p.mu.Unlock()
}

// Embed computes dense + colbert embeddings for a batch of texts, retrying
// once on a different worker if the chosen one fails.
func (p *Pool) Embed(ctx context.Context, texts []string) ([]Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	callCtx := ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	return osgrepErrors.CircuitExecuteWithResult(p.breaker, func() ([]Embedding, error) {
		return osgrepErrors.RetryWithResult(ctx, taskRetryConfig, func() ([]Embedding, error) {
			w, idx, err := p.pick(ctx)
			if err != nil {
				return nil, err
			}
			resp, err := w.call(callCtx, Request{ID: uuid.NewString(), Op: OpEmbed, Texts: texts})
			if err != nil {
				p.restart(ctx, idx, "task_failed")
				return nil, err
			}
			return resp.Embeddings, nil
		})
	}, func() ([]Embedding, error) {
		return nil, osgrepErrors.NoWorker()
	})
}

// Rerank scores each candidate's stored colbert grid against query using
// MaxSim late-interaction scoring, computed inside the worker subprocess.
func (p *Pool) Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]RerankScore, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	callCtx := ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	return osgrepErrors.CircuitExecuteWithResult(p.breaker, func() ([]RerankScore, error) {
		return osgrepErrors.RetryWithResult(ctx, taskRetryConfig, func() ([]RerankScore, error) {
			w, idx, err := p.pick(ctx)
			if err != nil {
				return nil, err
			}
			resp, err := w.call(callCtx, Request{ID: uuid.NewString(), Op: OpRerank, Query: query, Candidates: candidates})
			if err != nil {
				p.restart(ctx, idx, "task_failed")
				return nil, err
			}
			return resp.Scores, nil
		})
	}, func() ([]RerankScore, error) {
		return nil, osgrepErrors.NoWorker()
	})
}
