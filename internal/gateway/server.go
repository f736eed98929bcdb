// Package gateway is the HTTP edge: widget session and chat endpoints, SSE
// progress streams, document and scoring triggers, and the worker callback
// that persists conversation state. All writes to sessions, messages, and
// visitor contact flow through here.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
)

// Store is the relational surface the gateway uses. *database.Store
// satisfies it; tests substitute a fake.
type Store interface {
	Ping(ctx context.Context) error
	GetBot(ctx context.Context, id string) (*database.Bot, error)
	GetBotByPublicKey(ctx context.Context, publicKey string) (*database.Bot, error)
	GetAllowedOrigin(ctx context.Context, botID string) (*database.AllowedOrigin, error)
	GetOrCreateVisitor(ctx context.Context, botID, clientIP string) (*database.Visitor, error)
	MergeVisitorContact(ctx context.Context, id, name, email, phone, address string) error
	CreateSession(ctx context.Context, botID, visitorID string) (*database.ChatSession, error)
	GetSessionByToken(ctx context.Context, token string) (*database.ChatSession, error)
	CloseSession(ctx context.Context, token string) error
	UpdateSessionExtra(ctx context.Context, token string, extra database.JSONMap) error
	InsertChatMessage(ctx context.Context, sessionID, query, response string) (*database.ChatMessage, error)
	CreateDocument(ctx context.Context, doc *database.Document) (*database.Document, bool, error)
	GetDocument(ctx context.Context, id string) (*database.Document, error)
	ListBotDocuments(ctx context.Context, botID string) ([]database.Document, error)
	UpdateDocumentStatus(ctx context.Context, id, status string, extra database.JSONMap) error
	DeleteDocument(ctx context.Context, id string) error
	UpdateVisitorScore(ctx context.Context, id string, score int, category string, result database.JSONMap) error
}

// Publisher is the bus surface (satisfied by *bus.Bus).
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope, priority uint8) error
}

// Config carries the gateway tunables.
type Config struct {
	ScratchDir        string
	WebhookSecret     string
	MaxUploadBytes    int64
	HeartbeatInterval time.Duration
	SSEIdleTimeout    time.Duration
}

// Server wires the routes over the fabric, bus, and store.
type Server struct {
	router   *mux.Router
	store    Store
	bus      Publisher
	kv       fabric.KV
	progress *fabric.ProgressBus
	locks    *fabric.LockStore
	metrics  *Metrics
	cfg      Config
}

func NewServer(store Store, publisher Publisher, kv fabric.KV, cfg Config) *Server {
	return NewServerWithRegistry(store, publisher, kv, cfg, prometheus.NewRegistry())
}

// NewServerWithRegistry lets the binary share one registry between the
// gateway metrics and the default process collectors.
func NewServerWithRegistry(store Store, publisher Publisher, kv fabric.KV, cfg Config, reg *prometheus.Registry) *Server {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = "/tmp/uploads"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.SSEIdleTimeout <= 0 {
		cfg.SSEIdleTimeout = 10 * time.Minute
	}

	s := &Server{
		router:   mux.NewRouter(),
		store:    store,
		bus:      publisher,
		kv:       kv,
		progress: fabric.NewProgressBus(kv),
		locks:    fabric.NewLockStore(kv),
		metrics:  NewMetrics(reg),
		cfg:      cfg,
	}
	s.routes(reg)
	return s
}

func (s *Server) routes(reg *prometheus.Registry) {
	s.router.Use(s.recoverMiddleware, s.logMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)

	// Widget surface, authed by bot public key.
	widget := api.NewRoute().Subrouter()
	widget.Use(s.botAuthMiddleware)
	widget.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	widget.HandleFunc("/sessions/{token}/messages", s.handleAsk).Methods(http.MethodPost)
	widget.HandleFunc("/sessions/{token}", s.handleCloseSession).Methods(http.MethodDelete)
	widget.HandleFunc("/documents", s.handleUploadDocument).Methods(http.MethodPost)
	widget.HandleFunc("/documents", s.handleListDocuments).Methods(http.MethodGet)
	widget.HandleFunc("/documents/{id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	widget.HandleFunc("/crawl", s.handleCrawl).Methods(http.MethodPost)
	widget.HandleFunc("/recrawl", s.handleRecrawl).Methods(http.MethodPost)
	widget.HandleFunc("/crawl/stop", s.handleStopCrawl).Methods(http.MethodPost)
	widget.HandleFunc("/visitors/{id}/grading", s.handleGrading).Methods(http.MethodPost)
	widget.HandleFunc("/visitors/{id}/assessment", s.handleAssessment).Methods(http.MethodPost)

	// SSE authenticates via query parameter: EventSource cannot set headers.
	api.HandleFunc("/tasks/{id}/progress", s.handleTaskProgress).Methods(http.MethodGet)
	api.HandleFunc("/chat/stream/{id}", s.handleTaskProgress).Methods(http.MethodGet)

	// Worker callbacks, HMAC-signed with the shared webhook secret. The
	// gateway is the single relational writer; workers never touch SQL.
	s.router.HandleFunc("/webhooks/chat", s.handleChatPersist).Methods(http.MethodPost)
	s.router.HandleFunc("/webhooks/file", s.handleDocumentResult).Methods(http.MethodPost)
	s.router.HandleFunc("/webhooks/crawl", s.handleCrawlPage).Methods(http.MethodPost)
	s.router.HandleFunc("/webhooks/grading", s.handleScoreResult).Methods(http.MethodPost)
	s.router.HandleFunc("/webhooks/assessment", s.handleScoreResult).Methods(http.MethodPost)
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve runs the HTTP server until ctx is cancelled, then drains with the
// given grace period.
func (s *Server) Serve(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[Gateway] Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("[Gateway] Shutting down", "grace", grace)
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(sctx)
}

// --- shared response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[Gateway] Response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
