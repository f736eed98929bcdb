package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
)

// Task priorities: interactive chat outranks background ingest and scoring.
const (
	priorityChat    = 7
	priorityIngest  = 3
	priorityScoring = 2
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	bot := botFromContext(r.Context())
	if origin := r.Header.Get("Origin"); !s.originAllowed(r.Context(), bot.ID, origin) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	visitor, err := s.store.GetOrCreateVisitor(r.Context(), bot.ID, clientIP(r))
	if err != nil {
		slog.Error("[Gateway] Visitor upsert failed", "bot_id", bot.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	session, err := s.store.CreateSession(r.Context(), bot.ID, visitor.ID)
	if err != nil {
		slog.Error("[Gateway] Session create failed", "bot_id", bot.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_token": session.Token,
		"visitor_id":    visitor.ID,
		"bot_name":      bot.Name,
	})
}

type askRequest struct {
	Query     string `json:"query"`
	Streaming bool   `json:"streaming"`
}

// handleAsk enqueues one chat turn and returns the task id the widget
// streams progress from. A full chat queue maps to 503.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	bot := botFromContext(r.Context())
	token := mux.Vars(r)["token"]

	session, err := s.store.GetSessionByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		slog.Error("[Gateway] Session lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if session.BotID != bot.ID {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if session.Status != database.SessionActive {
		writeError(w, http.StatusConflict, "session is closed")
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	taskID := uuid.NewString()
	env, err := bus.NewEnvelope(taskID, bus.TaskChat, bot.ID, bus.ChatTaskData{
		SessionToken: token,
		VisitorID:    session.VisitorID,
		Query:        req.Query,
		Streaming:    req.Streaming,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.enqueue(w, r, env, priorityChat, map[string]any{
		"task_id":       taskID,
		"session_token": token,
	})
}

// handleCloseSession publishes the cancel signal for any in-flight turn and
// closes the session row.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	bot := botFromContext(r.Context())
	token := mux.Vars(r)["token"]

	session, err := s.store.GetSessionByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if session.BotID != bot.ID {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	if err := fabric.PublishCancel(r.Context(), s.kv, token, "session closed"); err != nil {
		slog.Warn("[Gateway] Cancel publish failed", "session", token, "error", err)
	}
	if err := s.store.CloseSession(r.Context(), token); err != nil {
		slog.Error("[Gateway] Session close failed", "session", token, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// enqueue initializes task state, publishes, and answers 202, reporting
// whether the envelope made it onto the bus. The pending hash write precedes
// the publish so an SSE client connecting immediately sees a restorable
// state; after the confirm the queued transition goes out on the progress
// channel, which also mirrors it into the hash.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, env bus.Envelope, priority uint8, response map[string]any) bool {
	ctx := r.Context()
	if err := s.progress.State().Init(ctx, env.TaskID, env.BotID); err != nil {
		slog.Warn("[Gateway] Task state init failed", "task_id", env.TaskID, "error", err)
	}

	if err := s.bus.Publish(ctx, env, priority); err != nil {
		if errors.Is(err, bus.ErrQueueFull) {
			s.metrics.PublishRejected.Inc()
			writeError(w, http.StatusServiceUnavailable, "system is at capacity, try again shortly")
			return false
		}
		slog.Error("[Gateway] Publish failed", "task_id", env.TaskID, "task_type", env.TaskType, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	s.metrics.TasksPublished.WithLabelValues(string(env.TaskType)).Inc()

	if err := s.progress.Publish(ctx, fabric.ProgressEvent{
		TaskID:  env.TaskID,
		BotID:   env.BotID,
		Status:  fabric.StatusQueued,
		Message: "Task queued",
	}); err != nil {
		slog.Warn("[Gateway] Queued event publish failed", "task_id", env.TaskID, "error", err)
	}

	writeJSON(w, http.StatusAccepted, response)
	return true
}
