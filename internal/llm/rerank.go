package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RankedDoc is one reranked candidate: its position in the input slice plus
// the relevance score in [0,1].
type RankedDoc struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// Reranker scores candidate chunks against a query (Cohere/Jina wire shape).
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]RankedDoc, error)
}

type RerankerConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type httpReranker struct {
	cfg        RerankerConfig
	httpClient *http.Client
}

func NewReranker(cfg RerankerConfig) Reranker {
	return &httpReranker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *httpReranker) Rerank(ctx context.Context, query string, docs []string, topN int) ([]RankedDoc, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}

	body, err := json.Marshal(map[string]any{
		"model":     r.cfg.Model,
		"query":     query,
		"documents": docs,
		"top_n":     topN,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(r.cfg.BaseURL, "/")+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rerank status %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		Results []RankedDoc `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rerank: %w", err)
	}
	return out.Results, nil
}
