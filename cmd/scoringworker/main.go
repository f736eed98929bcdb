package main

import (
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/chatlead/backend/internal/app"
	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/config"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/scoring"
	"github.com/chatlead/backend/internal/webhook"
	"github.com/chatlead/backend/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("[ScoringWorker] Config load failed", "error", err)
		os.Exit(1)
	}
	app.InitLogger(cfg.Server.Env)

	deps, err := app.Connect(cfg)
	if err != nil {
		slog.Error("[ScoringWorker] Startup failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	rag, err := app.BuildRAG(cfg, deps.KV)
	if err != nil {
		slog.Error("[ScoringWorker] RAG stack init failed", "error", err)
		os.Exit(1)
	}

	scorer := scoring.NewScorer(
		deps.Store,
		webhook.NewGatewayClient(cfg.Webhook.GatewayURL, cfg.Webhook.Secret),
		rag.Vectors,
		rag.Embedder,
		rag.Retriever,
		rag.Caller,
		rag.Rotator,
		fabric.NewLockStore(deps.KV),
		deps.Progress,
		webhook.NewSender(cfg.Webhook.EndpointURL, cfg.Webhook.Secret),
		scoring.Thresholds{Hot: cfg.Scoring.HotThreshold, Warm: cfg.Scoring.WarmThreshold},
	)

	ctx, stop := app.SignalContext()
	defer stop()

	go app.ServeHealth(ctx, cfg.Server.Port, deps)

	rt := worker.NewRuntime(deps.Bus, deps.Progress, cfg.Worker.MaxConcurrentTasks, cfg.ShutdownGrace())
	rt.Register(bus.TaskGrading, scorer.HandleGrading)
	rt.Register(bus.TaskAssessment, scorer.HandleAssessment)

	if err := rt.Run(ctx, bus.GradingQueue, 0); err != nil {
		slog.Error("[ScoringWorker] Runtime exited", "error", err)
		os.Exit(1)
	}
	slog.Info("[ScoringWorker] Shutdown complete")
}
