// Package vector wraps the embedded chromem-go store: one collection per
// bot plus throwaway per-session collections for scoring. Collections use
// cosine similarity over embeddings produced by the shared embedder.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

const (
	insertChunkSize = 1000
	searchTimeout   = 5 * time.Second
)

// Embedder is the embedding dependency; satisfied by llm.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Record is one chunk stored in a collection.
type Record struct {
	ID         string
	Text       string
	Embedding  []float32
	DocumentID string
	WebURL     string
	ChunkIndex int
}

// Result is one similarity hit.
type Result struct {
	ID         string
	Text       string
	DocumentID string
	WebURL     string
	Similarity float32
}

// CollectionName derives a bot's namespace from its id.
func CollectionName(botID string) string {
	return "bot_" + strings.ReplaceAll(botID, "-", "_")
}

// Store manages collections in a single persistent chromem DB.
type Store struct {
	mu       sync.Mutex
	db       *chromem.DB
	embedder Embedder
}

// NewStore opens (or creates) the persistent DB under persistPath. An empty
// path yields an in-memory store, used by tests.
func NewStore(persistPath string, embedder Embedder) (*Store, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &Store{db: db, embedder: embedder}, nil
}

func (s *Store) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
}

func (s *Store) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.db.GetOrCreateCollection(name, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	return col, nil
}

// InsertBatch writes records in chunks of 1000, reporting progress after
// each chunk via onChunk (may be nil).
func (s *Store) InsertBatch(ctx context.Context, collection string, recs []Record, onChunk func(done, total int)) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	for start := 0; start < len(recs); start += insertChunkSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + insertChunkSize
		if end > len(recs) {
			end = len(recs)
		}
		for _, r := range recs[start:end] {
			doc := chromem.Document{
				ID:        r.ID,
				Content:   r.Text,
				Embedding: r.Embedding,
				Metadata: map[string]string{
					"document_id": r.DocumentID,
					"web_url":     r.WebURL,
					"chunk_index": fmt.Sprintf("%d", r.ChunkIndex),
					"created_at":  fmt.Sprintf("%d", time.Now().Unix()),
				},
			}
			if err := col.AddDocument(ctx, doc); err != nil {
				return fmt.Errorf("insert %s into %s: %w", r.ID, collection, err)
			}
		}
		if onChunk != nil {
			onChunk(end, len(recs))
		}
	}
	return nil
}

// Search runs a similarity query with the per-search wall-clock timeout.
// Errors and timeouts degrade to empty results; retrieval must not fail a
// chat turn.
func (s *Store) Search(ctx context.Context, collection, query string, topK int) []Result {
	col, err := s.collection(collection)
	if err != nil {
		slog.Warn("[VectorStore] Search collection unavailable", "collection", collection, "error", err)
		return nil
	}
	if n := col.Count(); n == 0 {
		return nil
	} else if topK > n {
		topK = n
	}

	sctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	hits, err := col.Query(sctx, query, topK, nil, nil)
	if err != nil {
		slog.Warn("[VectorStore] Search failed", "collection", collection, "error", err)
		return nil
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			ID:         h.ID,
			Text:       h.Content,
			DocumentID: h.Metadata["document_id"],
			WebURL:     h.Metadata["web_url"],
			Similarity: h.Similarity,
		})
	}
	return out
}

// DeleteByDocument removes every chunk belonging to the document.
func (s *Store) DeleteByDocument(ctx context.Context, collection, documentID string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("delete document %s from %s: %w", documentID, collection, err)
	}
	return nil
}

// DropCollection removes an entire collection (temp scoring collections,
// bot deletion).
func (s *Store) DropCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("drop collection %s: %w", collection, err)
	}
	return nil
}

// Count returns the number of chunks in a collection.
func (s *Store) Count(collection string) int {
	col, err := s.collection(collection)
	if err != nil {
		return 0
	}
	return col.Count()
}
