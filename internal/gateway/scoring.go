package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/fabric"
)

type scoringRequest struct {
	SessionID string `json:"session_id"`
	Force     bool   `json:"force"`
}

func (s *Server) handleGrading(w http.ResponseWriter, r *http.Request) {
	s.triggerScoring(w, r, bus.TaskGrading, fabric.GradingLockKey, fabric.GradingLockTTL)
}

func (s *Server) handleAssessment(w http.ResponseWriter, r *http.Request) {
	s.triggerScoring(w, r, bus.TaskAssessment, fabric.AssessmentLockKey, fabric.AssessmentLockTTL)
}

// triggerScoring is grading/assessment dispatch: per-visitor lock, 409 when
// one is already running, force takes over a stuck run.
func (s *Server) triggerScoring(w http.ResponseWriter, r *http.Request, taskType bus.TaskType,
	lockKey func(string) string, ttl time.Duration) {
	bot := botFromContext(r.Context())
	visitorID := mux.Vars(r)["id"]

	var req scoringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	taskID := uuid.NewString()
	if err := s.locks.Acquire(r.Context(), lockKey(visitorID), taskID, ttl, req.Force); err != nil {
		if errors.Is(err, fabric.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "scoring already running for this visitor")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var env bus.Envelope
	var err error
	if taskType == bus.TaskGrading {
		env, err = bus.NewEnvelope(taskID, taskType, bot.ID,
			bus.GradingData{VisitorID: visitorID, SessionID: req.SessionID, Force: req.Force})
	} else {
		env, err = bus.NewEnvelope(taskID, taskType, bot.ID,
			bus.AssessmentData{VisitorID: visitorID, SessionID: req.SessionID, Force: req.Force})
	}
	if err != nil {
		s.releaseLock(r, lockKey(visitorID), taskID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.enqueue(w, r, env, priorityScoring, map[string]any{"task_id": taskID}) {
		s.releaseLock(r, lockKey(visitorID), taskID)
	}
}

// releaseLock undoes a lock acquired for a task that never reached the bus;
// the worker would otherwise never run to release it.
func (s *Server) releaseLock(r *http.Request, key, taskID string) {
	if err := s.locks.Release(r.Context(), key, taskID); err != nil {
		slog.Warn("[Gateway] Lock release failed", "key", key, "task_id", taskID, "error", err)
	}
}
