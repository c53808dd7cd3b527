// Command osgrep-embedworker is the subprocess entrypoint internal/embedpool
// spawns and speaks newline-delimited JSON with over stdin/stdout. It holds
// no state across requests beyond the embedder itself, so a crash or kill
// loses nothing the pool can't recompute.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/embedpool"
)

func main() {
	dense := embed.NewStaticEmbedder768()
	defer dense.Close()

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	ctx := context.Background()

	for in.Scan() {
		var req embedpool.Request
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			continue
		}
		resp := handle(ctx, dense, req)
		resp.MemRSSBytes = currentRSS()
		data, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		out.Write(data)
		out.Write([]byte("\n"))
		out.Flush()
	}
}

func handle(ctx context.Context, dense *embed.StaticEmbedder768, req embedpool.Request) embedpool.Response {
	switch req.Op {
	case embedpool.OpPing:
		return embedpool.Response{ID: req.ID, OK: true}

	case embedpool.OpEmbed:
		embeddings := make([]embedpool.Embedding, 0, len(req.Texts))
		for _, text := range req.Texts {
			e, err := embedpool.ComputeEmbedding(ctx, dense, text)
			if err != nil {
				return embedpool.Response{ID: req.ID, OK: false, Err: err.Error()}
			}
			embeddings = append(embeddings, e)
		}
		return embedpool.Response{ID: req.ID, OK: true, Embeddings: embeddings}

	case embedpool.OpRerank:
		qg := embedpool.QueryGrid(req.Query)
		scores := make([]embedpool.RerankScore, len(req.Candidates))
		for i, c := range req.Candidates {
			scores[i] = embedpool.RerankScore{ID: c.ID, Score: embedpool.MaxSim(qg, c)}
		}
		return embedpool.Response{ID: req.ID, OK: true, Scores: scores}

	default:
		return embedpool.Response{ID: req.ID, OK: false, Err: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func currentRSS() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}
