package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/webhook"
)

// readSignedBody reads, size-caps, and HMAC-verifies a worker callback body,
// decoding it into v. A false return means the error response was already
// written.
func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.metrics.WebhooksIn.WithLabelValues("unreadable").Inc()
		writeError(w, http.StatusBadRequest, "unreadable body")
		return false
	}
	if !webhook.Verify(body, s.cfg.WebhookSecret, r.Header.Get("X-Chatlead-Signature")) {
		s.metrics.WebhooksIn.WithLabelValues("bad_signature").Inc()
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.metrics.WebhooksIn.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "malformed payload")
		return false
	}
	return true
}

func (s *Server) rejectMalformed(w http.ResponseWriter) {
	s.metrics.WebhooksIn.WithLabelValues("malformed").Inc()
	writeError(w, http.StatusBadRequest, "malformed payload")
}

// handleChatPersist is the chat worker's callback for one completed turn.
// The gateway is the only SQL writer, so the worker ships its durable side
// effects here: the message pair, the refreshed session memory, and any
// visitor contact details the turn extracted.
func (s *Server) handleChatPersist(w http.ResponseWriter, r *http.Request) {
	var p webhook.ChatPersist
	if !s.readSignedBody(w, r, &p) {
		return
	}
	if p.SessionToken == "" {
		s.rejectMalformed(w)
		return
	}

	session, err := s.store.GetSessionByToken(r.Context(), p.SessionToken)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.metrics.WebhooksIn.WithLabelValues("unknown_session").Inc()
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if _, err := s.store.InsertChatMessage(r.Context(), session.ID, p.Query, p.Response); err != nil {
		slog.Error("[Gateway] Message insert failed", "session", p.SessionToken, "error", err)
		s.metrics.WebhooksIn.WithLabelValues("store_error").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	extra := database.JSONMap{
		"long_term_memory": p.Memory,
		"is_contact":       p.IsContact,
	}
	if err := s.store.UpdateSessionExtra(r.Context(), p.SessionToken, extra); err != nil {
		slog.Error("[Gateway] Session extra update failed", "session", p.SessionToken, "error", err)
		s.metrics.WebhooksIn.WithLabelValues("store_error").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	v := p.Visitor
	if v.Name != "" || v.Email != "" || v.Phone != "" || v.Address != "" {
		if err := s.store.MergeVisitorContact(r.Context(), session.VisitorID, v.Name, v.Email, v.Phone, v.Address); err != nil {
			slog.Warn("[Gateway] Visitor contact merge failed", "visitor", session.VisitorID, "error", err)
		}
	}

	s.metrics.WebhooksIn.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "persisted"})
}

// handleDocumentResult is the ingest worker's callback for a document status
// transition: completion with a chunk count, failure with its cause, or row
// deletion.
func (s *Server) handleDocumentResult(w http.ResponseWriter, r *http.Request) {
	var res webhook.DocumentResult
	if !s.readSignedBody(w, r, &res) {
		return
	}
	if res.DocumentID == "" || res.Status == "" {
		s.rejectMalformed(w)
		return
	}

	var err error
	switch res.Status {
	case webhook.DocStatusDeleted:
		err = s.store.DeleteDocument(r.Context(), res.DocumentID)
	case database.DocCompleted:
		err = s.store.UpdateDocumentStatus(r.Context(), res.DocumentID, res.Status,
			database.JSONMap{"chunks": res.Chunks})
	case database.DocFailed:
		err = s.store.UpdateDocumentStatus(r.Context(), res.DocumentID, res.Status,
			database.JSONMap{"error": res.Error})
	case database.DocProcessing:
		err = s.store.UpdateDocumentStatus(r.Context(), res.DocumentID, res.Status, nil)
	default:
		s.rejectMalformed(w)
		return
	}
	if err != nil {
		slog.Error("[Gateway] Document result persist failed",
			"document_id", res.DocumentID, "status", res.Status, "error", err)
		s.metrics.WebhooksIn.WithLabelValues("store_error").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.WebhooksIn.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "persisted"})
}

// handleCrawlPage registers one crawled page as a document row, deduplicating
// on content hash, and answers with the row id the worker indexes under.
func (s *Server) handleCrawlPage(w http.ResponseWriter, r *http.Request) {
	var page webhook.CrawlPage
	if !s.readSignedBody(w, r, &page) {
		return
	}
	if page.BotID == "" || page.URL == "" || page.ContentHash == "" {
		s.rejectMalformed(w)
		return
	}

	doc := &database.Document{
		BotID:       page.BotID,
		Source:      database.SourceURL,
		URL:         page.URL,
		Status:      database.DocProcessing,
		ContentHash: page.ContentHash,
		Extra:       database.JSONMap{"title": page.Title},
	}
	created, duplicate, err := s.store.CreateDocument(r.Context(), doc)
	if err != nil {
		slog.Error("[Gateway] Crawl page create failed", "url", page.URL, "error", err)
		s.metrics.WebhooksIn.WithLabelValues("store_error").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.WebhooksIn.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, webhook.CrawlPageResult{DocumentID: created.ID, Duplicate: duplicate})
}

// handleScoreResult is the scoring worker's callback persisting a visitor's
// grade or assessment.
func (s *Server) handleScoreResult(w http.ResponseWriter, r *http.Request) {
	var res webhook.ScoreResult
	if !s.readSignedBody(w, r, &res) {
		return
	}
	if res.VisitorID == "" || res.Category == "" {
		s.rejectMalformed(w)
		return
	}

	if err := s.store.UpdateVisitorScore(r.Context(), res.VisitorID, res.Score, res.Category,
		database.JSONMap(res.Result)); err != nil {
		slog.Error("[Gateway] Visitor score persist failed", "visitor", res.VisitorID, "error", err)
		s.metrics.WebhooksIn.WithLabelValues("store_error").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.WebhooksIn.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "persisted"})
}
