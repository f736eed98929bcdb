package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlead/backend/internal/llm"
)

type fakeSearcher struct {
	calls []int // topK per call
	hits  map[int][]SearchHit
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string, topK int) []SearchHit {
	f.calls = append(f.calls, topK)
	return f.hits[topK]
}

type fakeReranker struct {
	scores []float64
	err    error
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, docs []string, topN int) ([]llm.RankedDoc, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := topN
	if n > len(docs) {
		n = len(docs)
	}
	out := make([]llm.RankedDoc, n)
	for i := 0; i < n; i++ {
		score := 0.5
		if i < len(f.scores) {
			score = f.scores[i]
		}
		out[i] = llm.RankedDoc{Index: i, Score: score}
	}
	return out, nil
}

func hitsN(n int) []SearchHit {
	out := make([]SearchHit, n)
	for i := range out {
		out[i] = SearchHit{ID: string(rune('a' + i)), Text: "chunk", Similarity: 0.9}
	}
	return out
}

func baseConfig() Config {
	return Config{
		Stage1TopK:          10,
		RerankerStage1TopN:  5,
		ConfidenceThreshold: 0.8,
		Stage2TopK:          30,
		RerankerStage2TopN:  8,
		TwoStage:            true,
	}
}

func TestRetrieve_Stage1Confident(t *testing.T) {
	searcher := &fakeSearcher{hits: map[int][]SearchHit{10: hitsN(8)}}
	reranker := &fakeReranker{scores: []float64{0.9, 0.85, 0.8, 0.8, 0.75}}
	r := NewRetriever(searcher, reranker, baseConfig())

	chunks, stage := r.Retrieve(context.Background(), "bot_b1", "hours")
	assert.Equal(t, Stage1, stage)
	assert.Len(t, chunks, 5)
	assert.Equal(t, []int{10}, searcher.calls, "no stage-2 search when confident")
}

func TestRetrieve_FallsToStage2(t *testing.T) {
	searcher := &fakeSearcher{hits: map[int][]SearchHit{10: hitsN(8), 30: hitsN(20)}}
	reranker := &fakeReranker{scores: []float64{0.4, 0.3, 0.3, 0.2, 0.2}}
	r := NewRetriever(searcher, reranker, baseConfig())

	chunks, stage := r.Retrieve(context.Background(), "bot_b1", "obscure detail")
	assert.Equal(t, Stage2, stage)
	assert.Len(t, chunks, 8)
	assert.Equal(t, []int{10, 30}, searcher.calls)
}

func TestRetrieve_TwoStageDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.TwoStage = false
	searcher := &fakeSearcher{hits: map[int][]SearchHit{10: hitsN(8)}}
	reranker := &fakeReranker{scores: []float64{0.1, 0.1, 0.1, 0.1, 0.1}}
	r := NewRetriever(searcher, reranker, cfg)

	_, stage := r.Retrieve(context.Background(), "bot_b1", "anything")
	assert.Equal(t, Stage1, stage)
	assert.Equal(t, []int{10}, searcher.calls)
}

func TestRetrieve_EmptyResultsDegrade(t *testing.T) {
	searcher := &fakeSearcher{hits: map[int][]SearchHit{}}
	r := NewRetriever(searcher, &fakeReranker{}, baseConfig())

	chunks, _ := r.Retrieve(context.Background(), "bot_b1", "anything")
	assert.Empty(t, chunks)
}

func TestRetrieve_CacheIdentityWithin5Min(t *testing.T) {
	cfg := baseConfig()
	cfg.UseCache = true
	searcher := &fakeSearcher{hits: map[int][]SearchHit{10: hitsN(6)}}
	reranker := &fakeReranker{scores: []float64{0.9, 0.9, 0.9, 0.9, 0.9}}
	r := NewRetriever(searcher, reranker, cfg)

	first, _ := r.Retrieve(context.Background(), "bot_b1", "hours")
	second, _ := r.Retrieve(context.Background(), "bot_b1", "hours")
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
	assert.Equal(t, []int{10}, searcher.calls, "second retrieval served from cache")
}

func TestRetrieve_EmptyResultsNotCached(t *testing.T) {
	cfg := baseConfig()
	cfg.UseCache = true
	cfg.TwoStage = false
	searcher := &fakeSearcher{hits: map[int][]SearchHit{}}
	r := NewRetriever(searcher, &fakeReranker{}, cfg)

	_, _ = r.Retrieve(context.Background(), "bot_b1", "hours")
	_, _ = r.Retrieve(context.Background(), "bot_b1", "hours")
	assert.Equal(t, []int{10, 10}, searcher.calls, "empty result must not be cached")
}

func TestRetrieve_RerankFailureKeepsVectorOrder(t *testing.T) {
	searcher := &fakeSearcher{hits: map[int][]SearchHit{10: hitsN(6)}}
	reranker := &fakeReranker{err: assert.AnError}
	r := NewRetriever(searcher, reranker, baseConfig())

	chunks, _ := r.Retrieve(context.Background(), "bot_b1", "hours")
	assert.Len(t, chunks, 5)
	for _, c := range chunks {
		assert.InDelta(t, 0.9, c.Score, 1e-6)
	}
}
