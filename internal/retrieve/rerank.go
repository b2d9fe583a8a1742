package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"salesmesh/internal/config"
)

// Reranker reorders fused candidates by a finer-grained relevance score.
// Implementations must not drop candidates on success; on any failure they
// degrade to the fused order.
type Reranker interface {
	Rerank(ctx context.Context, query string, cands []candidate) []candidate
}

// NoopReranker leaves the fused order untouched; used when RAG.RerankerEnabled
// is false.
type NoopReranker struct{}

func (NoopReranker) Rerank(_ context.Context, _ string, cands []candidate) []candidate { return cands }

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"relevance_score"`
	} `json:"results"`
}

// HTTPReranker calls a BGE-reranker-compatible HTTP endpoint; a TinyBERT
// ms-marco server speaking the same /rerank contract can be pointed to by
// the same config. Any transport or decode error falls back to fused order.
type HTTPReranker struct {
	cfg    config.RAGConfig
	client *http.Client
}

func NewHTTPReranker(cfg config.RAGConfig) *HTTPReranker {
	return &HTTPReranker{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, cands []candidate) []candidate {
	if len(cands) == 0 {
		return cands
	}
	docs := make([]string, len(cands))
	for i, c := range cands {
		docs[i] = candidateText(c)
	}
	body, _ := json.Marshal(rerankRequest{Model: r.cfg.RerankModel, Query: query, Documents: docs})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.RerankBaseURL+r.cfg.RerankPath, bytes.NewReader(body))
	if err != nil {
		return cands
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return cands
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return cands
	}
	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil || len(rr.Results) == 0 {
		return cands
	}
	out := make([]candidate, 0, len(cands))
	seen := make([]bool, len(cands))
	for _, res := range rr.Results {
		if res.Index < 0 || res.Index >= len(cands) || seen[res.Index] {
			continue
		}
		seen[res.Index] = true
		c := cands[res.Index]
		c.fused = res.Score
		out = append(out, c)
	}
	if len(out) == 0 {
		return cands
	}
	sort.Slice(out, func(i, j int) bool { return out[i].fused > out[j].fused })
	for i, c := range cands {
		if !seen[i] {
			out = append(out, c)
		}
	}
	return out
}

func candidateText(c candidate) string {
	if c.knowledge != nil {
		return c.knowledge.StructuredContent
	}
	if c.strategy != nil {
		return strings.Join(c.strategy.Steps, " ")
	}
	return ""
}
