package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/chatlead/backend/internal/database"
)

type contextKey string

const botContextKey contextKey = "bot"

// botFromContext returns the authenticated bot, set by botAuthMiddleware.
func botFromContext(ctx context.Context) *database.Bot {
	bot, _ := ctx.Value(botContextKey).(*database.Bot)
	return bot
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the middleware chain.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.RequestDuration.WithLabelValues(route, fmt.Sprintf("%dxx", rec.status/100)).
			Observe(time.Since(start).Seconds())
		slog.Info("[Gateway] Request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start), "remote", clientIP(r))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("[Gateway] Handler panicked",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// botAuthMiddleware resolves the bot from the X-Public-Key header (or the
// key query parameter) and rejects inactive bots.
func (s *Server) botAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Public-Key")
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing public key")
			return
		}

		bot, err := s.store.GetBotByPublicKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "unknown public key")
				return
			}
			slog.Error("[Gateway] Bot lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !bot.Active {
			writeError(w, http.StatusForbidden, "bot is not active")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), botContextKey, bot)))
	})
}

// corsMiddleware admits widget origins registered for the bot. Requests
// without an Origin header (server-to-server) pass through.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Public-Key")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed checks a widget origin against the bot's registered list.
func (s *Server) originAllowed(ctx context.Context, botID, origin string) bool {
	if origin == "" {
		return true
	}
	allowed, err := s.store.GetAllowedOrigin(ctx, botID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			slog.Warn("[Gateway] Origin lookup failed", "bot_id", botID, "error", err)
		}
		return false
	}
	return strings.EqualFold(
		strings.TrimRight(allowed.OriginURL, "/"),
		strings.TrimRight(origin, "/"))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
