package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/vector"
	"github.com/chatlead/backend/internal/webhook"
)

const embedBatchSize = 100

// DocumentStore is the read-only relational surface the processor needs.
// All writes travel through the ResultSink: the gateway is the single SQL
// writer.
type DocumentStore interface {
	ListBotDocuments(ctx context.Context, botID string) ([]database.Document, error)
}

// ResultSink ships durable document transitions to the gateway (satisfied
// by *webhook.GatewayClient).
type ResultSink interface {
	PersistDocument(ctx context.Context, res webhook.DocumentResult) error
	PersistCrawlPage(ctx context.Context, page webhook.CrawlPage) (*webhook.CrawlPageResult, error)
}

// VectorStore is the collection surface the processor needs.
type VectorStore interface {
	InsertBatch(ctx context.Context, collection string, recs []vector.Record, onChunk func(done, total int)) error
	DeleteByDocument(ctx context.Context, collection, documentID string) error
}

// Embedder is the batch-embedding dependency.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Publisher is the progress dependency (satisfied by *fabric.ProgressBus).
type Publisher interface {
	Publish(ctx context.Context, ev fabric.ProgressEvent) error
}

// PageCrawler is the crawl dependency (satisfied by *Crawler).
type PageCrawler interface {
	Crawl(ctx context.Context, seeds []string, stop StopFunc, onPage func(Page)) (fetched, failed int, err error)
}

// Processor executes the document lifecycle tasks.
type Processor struct {
	store    DocumentStore
	sink     ResultSink
	vectors  VectorStore
	embedder Embedder
	chunker  *Chunker
	crawler  PageCrawler
	progress Publisher
	locks    *fabric.LockStore
	kv       fabric.KV
	webhooks *webhook.Sender
}

func NewProcessor(store DocumentStore, sink ResultSink, vectors VectorStore, embedder Embedder, chunker *Chunker,
	crawler PageCrawler, progress Publisher, locks *fabric.LockStore, kv fabric.KV, webhooks *webhook.Sender) *Processor {
	return &Processor{
		store:    store,
		sink:     sink,
		vectors:  vectors,
		embedder: embedder,
		chunker:  chunker,
		crawler:  crawler,
		progress: progress,
		locks:    locks,
		kv:       kv,
		webhooks: webhooks,
	}
}

// ContentHash is the dedup key for (bot_id, content).
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HandleFileUpload ingests one uploaded file from its scratch path. The
// scratch file is removed on every exit path.
func (p *Processor) HandleFileUpload(ctx context.Context, env bus.Envelope) error {
	var data bus.FileUploadData
	if err := env.DecodeData(&data); err != nil {
		return err
	}
	defer func() {
		if data.ScratchPath != "" {
			if err := os.Remove(data.ScratchPath); err != nil && !os.IsNotExist(err) {
				slog.Warn("[Ingest] Scratch cleanup failed", "path", data.ScratchPath, "error", err)
			}
		}
	}()

	p.publish(ctx, env, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 5, Message: "Reading file",
	})

	raw, err := os.ReadFile(data.ScratchPath)
	if err != nil {
		return p.failDocument(ctx, env, data.DocumentID, fmt.Errorf("read scratch file: %w", err))
	}

	text, err := Extract(data.Filename, raw)
	if err != nil {
		return p.failDocument(ctx, env, data.DocumentID, fmt.Errorf("extract %s: %w", data.Filename, err))
	}

	p.publish(ctx, env, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 20, Message: "Chunking document",
	})

	inserted, err := p.indexText(ctx, env, data.DocumentID, "", text, 20, 95)
	if err != nil {
		return p.failDocument(ctx, env, data.DocumentID, err)
	}

	if err := p.sink.PersistDocument(ctx, webhook.DocumentResult{
		DocumentID: data.DocumentID, Status: database.DocCompleted, Chunks: inserted,
	}); err != nil {
		slog.Error("[Ingest] Document completion not persisted", "document_id", data.DocumentID, "error", err)
	}

	result := map[string]any{"document_id": data.DocumentID, "chunks": inserted, "filename": data.Filename}
	p.done(ctx, env, result)
	p.webhooks.Emit(ctx, webhook.EventIngestCompleted, env.BotID, env.TaskID, result)
	return nil
}

// HandleCrawl walks the site and ingests each page as its own document.
// The crawl lock and stop flag are always cleaned up, and the task fails
// only when every page failed or the crawl itself could not run.
func (p *Processor) HandleCrawl(ctx context.Context, env bus.Envelope) error {
	var data bus.CrawlData
	if err := env.DecodeData(&data); err != nil {
		return err
	}
	seeds := data.SeedURLs
	if len(seeds) == 0 && data.Origin != "" {
		seeds = []string{data.Origin}
	}
	return p.crawl(ctx, env, seeds)
}

// HandleRecrawl drops every url-sourced document for the bot, then crawls
// fresh.
func (p *Processor) HandleRecrawl(ctx context.Context, env bus.Envelope) error {
	var data bus.RecrawlData
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	p.publish(ctx, env, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 2, Message: "Removing previous crawl",
	})

	docs, err := p.store.ListBotDocuments(ctx, env.BotID)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	collection := vector.CollectionName(env.BotID)
	for _, doc := range docs {
		if doc.Source != database.SourceURL {
			continue
		}
		if err := p.vectors.DeleteByDocument(ctx, collection, doc.ID); err != nil {
			slog.Warn("[Ingest] Stale vectors not removed", "document_id", doc.ID, "error", err)
		}
		if err := p.sink.PersistDocument(ctx, webhook.DocumentResult{
			DocumentID: doc.ID, Status: webhook.DocStatusDeleted,
		}); err != nil {
			return fmt.Errorf("delete document %s: %w", doc.ID, err)
		}
	}

	return p.crawl(ctx, env, data.SeedURLs)
}

func (p *Processor) crawl(ctx context.Context, env bus.Envelope, seeds []string) error {
	defer func() {
		if err := p.locks.Release(ctx, fabric.CrawlLockKey(env.BotID), env.TaskID); err != nil {
			slog.Warn("[Ingest] Crawl lock release failed", "bot_id", env.BotID, "error", err)
		}
		if err := fabric.ClearCrawlStop(ctx, p.kv, env.BotID); err != nil {
			slog.Warn("[Ingest] Crawl stop flag not cleared", "bot_id", env.BotID, "error", err)
		}
	}()

	p.publish(ctx, env, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 5, Message: "Starting crawl",
	})

	stop := func(ctx context.Context) bool {
		return fabric.CrawlStopped(ctx, p.kv, env.BotID)
	}

	// Fetch failures are only known once Crawl returns; per-page events
	// report ingest failures and the final tally folds both in.
	var ingested, skipped, pageFailures int
	fetched, fetchFailed, err := p.crawler.Crawl(ctx, seeds, stop, func(page Page) {
		outcome := p.ingestPage(ctx, env, page)
		switch outcome {
		case pageIngested:
			ingested++
		case pageDuplicate:
			skipped++
		case pageFailed:
			pageFailures++
		}
		done := ingested + skipped + pageFailures
		p.publish(ctx, env, fabric.ProgressEvent{
			Status:   fabric.StatusProcessing,
			Progress: 5 + min(done, 90),
			Message:  fmt.Sprintf("Crawled %s", page.URL),
			BatchInfo: &fabric.BatchInfo{
				Batch: done, Items: ingested, Failed: pageFailures,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	totalFailed := pageFailures + fetchFailed
	result := map[string]any{
		"pages_fetched":  fetched,
		"pages_ingested": ingested,
		"pages_skipped":  skipped,
		"pages_failed":   totalFailed,
	}
	if fetched == 0 && totalFailed > 0 {
		return fmt.Errorf("crawl produced no pages (%d failures)", totalFailed)
	}

	p.done(ctx, env, result)
	p.webhooks.Emit(ctx, webhook.EventCrawlCompleted, env.BotID, env.TaskID, result)
	return nil
}

type pageOutcome int

const (
	pageIngested pageOutcome = iota
	pageDuplicate
	pageFailed
)

func (p *Processor) ingestPage(ctx context.Context, env bus.Envelope, page Page) pageOutcome {
	created, err := p.sink.PersistCrawlPage(ctx, webhook.CrawlPage{
		BotID:       env.BotID,
		URL:         page.URL,
		Title:       page.Title,
		ContentHash: ContentHash(page.Text),
	})
	if err != nil {
		slog.Warn("[Ingest] Page registration failed", "url", page.URL, "error", err)
		return pageFailed
	}
	if created.Duplicate {
		return pageDuplicate
	}

	inserted, err := p.indexText(ctx, env, created.DocumentID, page.URL, page.Text, 0, 0)
	if err != nil {
		slog.Warn("[Ingest] Page index failed", "url", page.URL, "error", err)
		if perr := p.sink.PersistDocument(ctx, webhook.DocumentResult{
			DocumentID: created.DocumentID, Status: database.DocFailed, Error: err.Error(),
		}); perr != nil {
			slog.Error("[Ingest] Page failure not persisted", "document_id", created.DocumentID, "error", perr)
		}
		return pageFailed
	}

	if err := p.sink.PersistDocument(ctx, webhook.DocumentResult{
		DocumentID: created.DocumentID, Status: database.DocCompleted, Chunks: inserted,
	}); err != nil {
		slog.Error("[Ingest] Page completion not persisted", "document_id", created.DocumentID, "error", err)
	}
	return pageIngested
}

// HandleDeleteDocument removes a document's vectors then its row.
func (p *Processor) HandleDeleteDocument(ctx context.Context, env bus.Envelope) error {
	var data bus.DeleteDocumentData
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	collection := vector.CollectionName(env.BotID)
	if err := p.vectors.DeleteByDocument(ctx, collection, data.DocumentID); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := p.sink.PersistDocument(ctx, webhook.DocumentResult{
		DocumentID: data.DocumentID, Status: webhook.DocStatusDeleted,
	}); err != nil {
		return fmt.Errorf("delete document row: %w", err)
	}

	p.done(ctx, env, map[string]any{"document_id": data.DocumentID})
	return nil
}

// indexText chunks, embeds, and inserts one document's text. progressLo and
// progressHi bound the emitted progress range; equal values suppress the
// per-batch events (page crawls report at page granularity instead).
func (p *Processor) indexText(ctx context.Context, env bus.Envelope, documentID, webURL, text string, progressLo, progressHi int) (int, error) {
	chunks := p.chunker.Split(text)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("document %s has no extractable text", documentID)
	}

	records := make([]vector.Record, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-start)
		for i, ch := range chunks[start:end] {
			texts[i] = ch.Text
		}
		vecs, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed batch: %w", err)
		}
		for i, ch := range chunks[start:end] {
			records[start+i] = vector.Record{
				ID:         fmt.Sprintf("%s_%d", documentID, ch.Index),
				Text:       ch.Text,
				Embedding:  vecs[i],
				DocumentID: documentID,
				WebURL:     webURL,
				ChunkIndex: ch.Index,
			}
		}

		if progressHi > progressLo {
			pct := progressLo + (progressHi-progressLo)*end/len(chunks)
			p.publish(ctx, env, fabric.ProgressEvent{
				Status:   fabric.StatusProcessing,
				Progress: pct,
				Message:  fmt.Sprintf("Embedded %d/%d chunks", end, len(chunks)),
				BatchInfo: &fabric.BatchInfo{
					Batch: end / embedBatchSize, Total: (len(chunks) + embedBatchSize - 1) / embedBatchSize,
					Items: end,
				},
			})
		}
	}

	collection := vector.CollectionName(env.BotID)
	if err := p.vectors.InsertBatch(ctx, collection, records, nil); err != nil {
		return 0, fmt.Errorf("insert vectors: %w", err)
	}
	return len(records), nil
}

// failDocument reports the failure to the gateway and propagates the error
// so the worker runtime publishes the terminal event and discards.
func (p *Processor) failDocument(ctx context.Context, env bus.Envelope, documentID string, cause error) error {
	if documentID != "" {
		if err := p.sink.PersistDocument(ctx, webhook.DocumentResult{
			DocumentID: documentID, Status: database.DocFailed, Error: cause.Error(),
		}); err != nil {
			slog.Error("[Ingest] Document failure not persisted", "document_id", documentID, "error", err)
		}
	}
	return cause
}

func (p *Processor) publish(ctx context.Context, env bus.Envelope, ev fabric.ProgressEvent) {
	ev.TaskID = env.TaskID
	ev.BotID = env.BotID
	if err := p.progress.Publish(ctx, ev); err != nil {
		slog.Warn("[Ingest] Progress publish failed", "task_id", env.TaskID, "error", err)
	}
}

func (p *Processor) done(ctx context.Context, env bus.Envelope, result map[string]any) {
	raw, err := json.Marshal(result)
	if err != nil {
		slog.Error("[Ingest] Result marshal failed", "task_id", env.TaskID, "error", err)
	}
	p.publish(ctx, env, fabric.ProgressEvent{
		Type:     fabric.EventDone,
		Status:   fabric.StatusCompleted,
		Progress: 100,
		Result:   raw,
	})
}
