// Package app holds the process bootstrap shared by every binary: logging,
// signal handling, and the client connections to Postgres, Redis, and the
// broker.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/config"
	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/keys"
	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/retrieval"
	"github.com/chatlead/backend/internal/vector"
)

// InitLogger installs the process-wide slog handler: JSON in production,
// text everywhere else.
func InitLogger(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Deps are the connections every binary starts from.
type Deps struct {
	Cfg      *config.Config
	Store    *database.Store
	Redis    *redis.Client
	KV       *fabric.RedisKV
	Bus      *bus.Bus
	Progress *fabric.ProgressBus
}

// Connect dials Postgres, Redis, and the broker. On any failure it closes
// what it already opened and returns the error.
func Connect(cfg *config.Config) (*Deps, error) {
	store, err := database.Open(cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	kv := fabric.NewRedisKV(rdb)

	b, err := bus.Dial(cfg.AMQP.URL, bus.Options{ChatQueueMaxLength: cfg.AMQP.ChatQueueMaxLength})
	if err != nil {
		_ = rdb.Close()
		_ = store.Close()
		return nil, fmt.Errorf("amqp: %w", err)
	}

	return &Deps{
		Cfg:      cfg,
		Store:    store,
		Redis:    rdb,
		KV:       kv,
		Bus:      b,
		Progress: fabric.NewProgressBus(kv),
	}, nil
}

func (d *Deps) Close() {
	if err := d.Bus.Close(); err != nil {
		slog.Warn("[App] Bus close failed", "error", err)
	}
	if err := d.Redis.Close(); err != nil {
		slog.Warn("[App] Redis close failed", "error", err)
	}
	if err := d.Store.Close(); err != nil {
		slog.Warn("[App] Postgres close failed", "error", err)
	}
}

// ServeHealth runs the small health + metrics listener each worker binary
// exposes. It serves until ctx is cancelled.
func ServeHealth(ctx context.Context, port string, d *Deps) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok", "redis": "ok"}
		status := http.StatusOK
		if err := d.Store.Ping(r.Context()); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := d.Redis.Ping(r.Context()).Err(); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"checks": checks})
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("[App] Health listener exited", "error", err)
	}
}

// RAG bundles the retrieval-augmented-generation stack the chat and scoring
// workers share.
type RAG struct {
	Embedder  *llm.Embedder
	Vectors   *vector.Store
	Retriever *retrieval.Retriever
	Caller    *llm.Caller
	Rotator   *keys.Rotator
}

// BuildRAG wires embedder, vector store, reranked retrieval, the completion
// caller, and key rotation from config.
func BuildRAG(cfg *config.Config, kv fabric.KV) (*RAG, error) {
	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.EmbeddingModel,
		APIKey:  cfg.LLM.EmbeddingAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	vectors, err := vector.NewStore(cfg.Vector.PersistPath, embedder)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}

	reranker := llm.NewReranker(llm.RerankerConfig{
		BaseURL: cfg.LLM.RerankerURL,
		Model:   cfg.LLM.RerankerModel,
		APIKey:  cfg.LLM.RerankerAPIKey,
	})
	retriever := retrieval.NewRetriever(retrieval.VectorSearcher{Store: vectors}, reranker, retrieval.Config{
		Stage1TopK:          cfg.Retrieval.Stage1TopK,
		RerankerStage1TopN:  cfg.Retrieval.RerankerStage1TopN,
		ConfidenceThreshold: cfg.Retrieval.ConfidenceThreshold,
		Stage2TopK:          cfg.Retrieval.Stage2TopK,
		RerankerStage2TopN:  cfg.Retrieval.RerankerStage2TopN,
		TwoStage:            cfg.Retrieval.TwoStage,
		UseCache:            cfg.Retrieval.UseCache,
	})

	cipher, err := keys.NewCipher(cfg.Security.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}

	return &RAG{
		Embedder:  embedder,
		Vectors:   vectors,
		Retriever: retriever,
		Caller:    llm.NewCaller(cfg.LLM.BaseURL, "", 0),
		Rotator:   keys.NewRotator(kv, cipher, cfg.KeyCooldown()),
	}, nil
}
