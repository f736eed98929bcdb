package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/ingest"
)

// handleUploadDocument receives a multipart file, spools it to the scratch
// directory, creates the document row, and enqueues the ingest task.
// Duplicate content answers 200 with the existing document instead of
// re-ingesting.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	bot := botFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if !ingest.SupportedExt(filename) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported file format")
		return
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable upload")
		return
	}

	taskID := uuid.NewString()
	doc := &database.Document{
		BotID:       bot.ID,
		Source:      database.SourceFile,
		Filename:    filename,
		Status:      database.DocPending,
		ContentHash: ingest.ContentHash(string(raw)),
	}
	created, duplicate, err := s.store.CreateDocument(r.Context(), doc)
	if err != nil {
		slog.Error("[Gateway] Document create failed", "bot_id", bot.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if duplicate {
		writeJSON(w, http.StatusOK, map[string]any{
			"document_id": created.ID,
			"duplicate":   true,
			"status":      created.Status,
		})
		return
	}

	scratch := filepath.Join(s.cfg.ScratchDir, fmt.Sprintf("%s_%s", taskID, filename))
	if err := os.MkdirAll(s.cfg.ScratchDir, 0o755); err != nil {
		slog.Error("[Gateway] Scratch dir unavailable", "dir", s.cfg.ScratchDir, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := os.WriteFile(scratch, raw, 0o600); err != nil {
		slog.Error("[Gateway] Scratch write failed", "path", scratch, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	env, err := bus.NewEnvelope(taskID, bus.TaskFileUpload, bot.ID, bus.FileUploadData{
		DocumentID:  created.ID,
		Filename:    filename,
		ScratchPath: scratch,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.enqueue(w, r, env, priorityIngest, map[string]any{
		"task_id":     taskID,
		"document_id": created.ID,
		"duplicate":   false,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	bot := botFromContext(r.Context())
	docs, err := s.store.ListBotDocuments(r.Context(), bot.ID)
	if err != nil {
		slog.Error("[Gateway] Document list failed", "bot_id", bot.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	bot := botFromContext(r.Context())
	docID := mux.Vars(r)["id"]

	doc, err := s.store.GetDocument(r.Context(), docID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown document")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if doc.BotID != bot.ID {
		writeError(w, http.StatusNotFound, "unknown document")
		return
	}

	taskID := uuid.NewString()
	env, err := bus.NewEnvelope(taskID, bus.TaskDeleteDocument, bot.ID,
		bus.DeleteDocumentData{DocumentID: docID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.enqueue(w, r, env, priorityIngest, map[string]any{"task_id": taskID})
}

type crawlRequest struct {
	SeedURLs []string `json:"seed_urls"`
	Force    bool     `json:"force"`
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	s.triggerCrawl(w, r, bus.TaskCrawl)
}

func (s *Server) handleRecrawl(w http.ResponseWriter, r *http.Request) {
	s.triggerCrawl(w, r, bus.TaskRecrawl)
}

// triggerCrawl acquires the bot's crawl lock before enqueueing; a crawl
// already in flight answers 409 unless force is set, which takes the lock
// over.
func (s *Server) triggerCrawl(w http.ResponseWriter, r *http.Request, taskType bus.TaskType) {
	bot := botFromContext(r.Context())

	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	seeds := req.SeedURLs
	if len(seeds) == 0 {
		origin, err := s.store.GetAllowedOrigin(r.Context(), bot.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "no seed urls and no registered origin")
			return
		}
		if seeds = origin.SeedURLs; len(seeds) == 0 {
			seeds = []string{origin.OriginURL}
		}
	}

	taskID := uuid.NewString()
	err := s.locks.Acquire(r.Context(), fabric.CrawlLockKey(bot.ID), taskID, fabric.CrawlLockTTL, req.Force)
	if err != nil {
		if errors.Is(err, fabric.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "a crawl is already running for this bot")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var env bus.Envelope
	if taskType == bus.TaskRecrawl {
		env, err = bus.NewEnvelope(taskID, taskType, bot.ID, bus.RecrawlData{SeedURLs: seeds})
	} else {
		env, err = bus.NewEnvelope(taskID, taskType, bot.ID, bus.CrawlData{SeedURLs: seeds})
	}
	if err != nil {
		s.releaseLock(r, fabric.CrawlLockKey(bot.ID), taskID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.enqueue(w, r, env, priorityIngest, map[string]any{"task_id": taskID}) {
		s.releaseLock(r, fabric.CrawlLockKey(bot.ID), taskID)
	}
}

// handleStopCrawl raises the stop sentinel; the worker abandons the crawl
// at the next batch boundary.
func (s *Server) handleStopCrawl(w http.ResponseWriter, r *http.Request) {
	bot := botFromContext(r.Context())
	if err := fabric.SetCrawlStop(r.Context(), s.kv, bot.ID); err != nil {
		slog.Error("[Gateway] Crawl stop failed", "bot_id", bot.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}
