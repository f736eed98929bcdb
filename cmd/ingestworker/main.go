package main

import (
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/chatlead/backend/internal/app"
	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/config"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/ingest"
	"github.com/chatlead/backend/internal/webhook"
	"github.com/chatlead/backend/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("[IngestWorker] Config load failed", "error", err)
		os.Exit(1)
	}
	app.InitLogger(cfg.Server.Env)

	deps, err := app.Connect(cfg)
	if err != nil {
		slog.Error("[IngestWorker] Startup failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	rag, err := app.BuildRAG(cfg, deps.KV)
	if err != nil {
		slog.Error("[IngestWorker] RAG stack init failed", "error", err)
		os.Exit(1)
	}

	chunker, err := ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		slog.Error("[IngestWorker] Chunker init failed", "error", err)
		os.Exit(1)
	}

	processor := ingest.NewProcessor(
		deps.Store,
		webhook.NewGatewayClient(cfg.Webhook.GatewayURL, cfg.Webhook.Secret),
		rag.Vectors,
		rag.Embedder,
		chunker,
		ingest.NewCrawler(cfg.Ingest.MaxCrawlPages),
		deps.Progress,
		fabric.NewLockStore(deps.KV),
		deps.KV,
		webhook.NewSender(cfg.Webhook.EndpointURL, cfg.Webhook.Secret),
	)

	ctx, stop := app.SignalContext()
	defer stop()

	go app.ServeHealth(ctx, cfg.Server.Port, deps)

	rt := worker.NewRuntime(deps.Bus, deps.Progress, cfg.Worker.MaxConcurrentTasks, cfg.ShutdownGrace())
	rt.Register(bus.TaskFileUpload, processor.HandleFileUpload)
	rt.Register(bus.TaskCrawl, processor.HandleCrawl)
	rt.Register(bus.TaskRecrawl, processor.HandleRecrawl)
	rt.Register(bus.TaskDeleteDocument, processor.HandleDeleteDocument)

	if err := rt.Run(ctx, bus.FileQueue, 0); err != nil {
		slog.Error("[IngestWorker] Runtime exited", "error", err)
		os.Exit(1)
	}
	slog.Info("[IngestWorker] Shutdown complete")
}
