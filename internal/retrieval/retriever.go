// Package retrieval implements the adaptive two-stage retrieve+rerank used
// by the chat graph and the scoring worker. Stage 1 is a cheap narrow
// search; if the reranker's mean score falls below the confidence threshold
// a wider stage-2 search runs instead.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/chatlead/backend/internal/llm"
)

// Stage tags reported with each result set.
const (
	Stage1 = "stage1"
	Stage2 = "stage2"
)

const (
	cacheSize = 1024
	cacheTTL  = 5 * time.Minute
)

// Searcher is the vector-store dependency (satisfied by vector.Store).
type Searcher interface {
	Search(ctx context.Context, collection, query string, topK int) []SearchHit
}

// SearchHit is one raw vector hit before reranking.
type SearchHit struct {
	ID         string
	Text       string
	DocumentID string
	WebURL     string
	Similarity float32
}

// Chunk is one retrieved result after reranking.
type Chunk struct {
	Text       string  `json:"text"`
	DocumentID string  `json:"document_id,omitempty"`
	WebURL     string  `json:"web_url,omitempty"`
	Score      float64 `json:"score"`
}

// Config mirrors the retrieval tunables.
type Config struct {
	Stage1TopK          int
	RerankerStage1TopN  int
	ConfidenceThreshold float64
	Stage2TopK          int
	RerankerStage2TopN  int
	TwoStage            bool
	UseCache            bool
}

// Retriever runs searches with an optional 5-minute result cache. Cache
// entries are written only for non-empty results so transient store outages
// don't pin emptiness.
type Retriever struct {
	searcher Searcher
	reranker llm.Reranker
	cfg      Config
	cache    *expirable.LRU[string, []Chunk]
}

func NewRetriever(searcher Searcher, reranker llm.Reranker, cfg Config) *Retriever {
	return &Retriever{
		searcher: searcher,
		reranker: reranker,
		cfg:      cfg,
		cache:    expirable.NewLRU[string, []Chunk](cacheSize, nil, cacheTTL),
	}
}

// Retrieve returns reranked chunks plus the stage tag. Failures degrade to
// empty results; the caller decides how to answer without context.
func (r *Retriever) Retrieve(ctx context.Context, collection, query string) ([]Chunk, string) {
	if key := r.cacheKey(collection, query, r.cfg.Stage1TopK); r.cfg.UseCache {
		if cached, ok := r.cache.Get(key); ok {
			return cached, Stage1
		}
	}

	chunks, mean := r.searchAndRerank(ctx, collection, query, r.cfg.Stage1TopK, r.cfg.RerankerStage1TopN)
	stage := Stage1

	if r.cfg.TwoStage && mean < r.cfg.ConfidenceThreshold && ctx.Err() == nil {
		slog.Debug("[Retriever] Stage-1 confidence below threshold, widening",
			"collection", collection, "mean", mean, "threshold", r.cfg.ConfidenceThreshold)
		wide, _ := r.searchAndRerank(ctx, collection, query, r.cfg.Stage2TopK, r.cfg.RerankerStage2TopN)
		if len(wide) > 0 {
			chunks, stage = wide, Stage2
		}
	}

	if r.cfg.UseCache && len(chunks) > 0 {
		r.cache.Add(r.cacheKey(collection, query, r.cfg.Stage1TopK), chunks)
	}
	return chunks, stage
}

func (r *Retriever) searchAndRerank(ctx context.Context, collection, query string, topK, topN int) ([]Chunk, float64) {
	hits := r.searcher.Search(ctx, collection, query, topK)
	if len(hits) == 0 {
		return nil, 0
	}

	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.Text
	}

	ranked, err := r.reranker.Rerank(ctx, query, docs, topN)
	if err != nil || len(ranked) == 0 {
		if err != nil {
			slog.Warn("[Retriever] Rerank failed, falling back to vector order", "error", err)
		}
		// Degrade: keep vector similarity order, trimmed to topN.
		if topN > len(hits) {
			topN = len(hits)
		}
		out := make([]Chunk, topN)
		var sum float64
		for i := 0; i < topN; i++ {
			out[i] = Chunk{
				Text:       hits[i].Text,
				DocumentID: hits[i].DocumentID,
				WebURL:     hits[i].WebURL,
				Score:      float64(hits[i].Similarity),
			}
			sum += out[i].Score
		}
		return out, sum / float64(topN)
	}

	out := make([]Chunk, 0, len(ranked))
	var sum float64
	for _, rd := range ranked {
		if rd.Index < 0 || rd.Index >= len(hits) {
			continue
		}
		h := hits[rd.Index]
		out = append(out, Chunk{Text: h.Text, DocumentID: h.DocumentID, WebURL: h.WebURL, Score: rd.Score})
		sum += rd.Score
	}
	if len(out) == 0 {
		return nil, 0
	}
	return out, sum / float64(len(out))
}

func (r *Retriever) cacheKey(collection, query string, topK int) string {
	return fmt.Sprintf("%s|%s|%d", collection, query, topK)
}
