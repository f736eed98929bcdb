package retrieval

import (
	"context"

	"github.com/chatlead/backend/internal/vector"
)

// VectorSearcher adapts the chromem-backed store to the Searcher interface.
type VectorSearcher struct {
	Store *vector.Store
}

func (v VectorSearcher) Search(ctx context.Context, collection, query string, topK int) []SearchHit {
	hits := v.Store.Search(ctx, collection, query, topK)
	out := make([]SearchHit, len(hits))
	for i, h := range hits {
		out[i] = SearchHit{
			ID:         h.ID,
			Text:       h.Text,
			DocumentID: h.DocumentID,
			WebURL:     h.WebURL,
			Similarity: h.Similarity,
		}
	}
	return out
}
