package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/chatlead/backend/internal/fabric"
)

// handleTaskProgress streams a task's progress as SSE. The sequence is:
// restore the latest stored state (so reconnects never miss the outcome),
// emit a connected marker, then forward live events until a terminal one.
// Auth is the bot public key in the query string: EventSource cannot set
// headers.
func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusUnauthorized, "missing key")
		return
	}
	bot, err := s.store.GetBotByPublicKey(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown public key")
		return
	}

	stored, err := s.progress.State().Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, fabric.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown task")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if stored.BotID != "" && stored.BotID != bot.ID {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before restoring: an event published between restore and
	// subscribe would otherwise be lost.
	sub, err := s.progress.Subscribe(r.Context(), taskID)
	if err != nil {
		slog.Error("[Gateway] Progress subscribe failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.metrics.SSEConnections.Inc()
	defer s.metrics.SSEConnections.Dec()

	// Restore goes out first so a reconnecting client repaints its view
	// before live events resume; the connected marker follows it.
	s.writeSSE(w, flusher, fabric.EventRestore, stored)
	s.writeSSE(w, flusher, fabric.EventConnected, map[string]string{"task_id": taskID})
	if fabric.TerminalStatus(stored.Status) {
		return
	}

	// Heartbeats mark idleness, not wall time; every real event pushes the
	// next one out.
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(s.cfg.SSEIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-idle.C:
			slog.Info("[Gateway] SSE idle timeout", "task_id", taskID)
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case msg, open := <-sub.Messages():
			if !open {
				return
			}
			var ev fabric.ProgressEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				slog.Warn("[Gateway] Undecodable progress event", "task_id", taskID, "error", err)
				continue
			}
			s.writeEvent(w, flusher, ev)
			if fabric.TerminalStatus(ev.Status) {
				return
			}
			heartbeat.Reset(s.cfg.HeartbeatInterval)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.SSEIdleTimeout)
		}
	}
}

// writeEvent maps the progress event type 1:1 onto the SSE event name.
func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev fabric.ProgressEvent) {
	name := ev.Type
	if name == "" {
		name = fabric.EventProgress
	}
	if fabric.TerminalStatus(ev.Status) && ev.Status == fabric.StatusCompleted {
		name = fabric.EventDone
	}
	s.writeSSE(w, flusher, name, ev)
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("[Gateway] SSE payload marshal failed", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
	s.metrics.SSEEvents.WithLabelValues(event).Inc()
}
