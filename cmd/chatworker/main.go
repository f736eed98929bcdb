package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/chatlead/backend/internal/app"
	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/chatgraph"
	"github.com/chatlead/backend/internal/chatworker"
	"github.com/chatlead/backend/internal/config"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/webhook"
	"github.com/chatlead/backend/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("[ChatWorker] Config load failed", "error", err)
		os.Exit(1)
	}
	app.InitLogger(cfg.Server.Env)

	deps, err := app.Connect(cfg)
	if err != nil {
		slog.Error("[ChatWorker] Startup failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	rag, err := app.BuildRAG(cfg, deps.KV)
	if err != nil {
		slog.Error("[ChatWorker] RAG stack init failed", "error", err)
		os.Exit(1)
	}

	runner := chatgraph.NewRunner(rag.Caller, rag.Rotator, rag.Retriever, deps.Progress, chatgraph.Options{
		GroundednessCheck:     cfg.LLM.GroundednessCheck,
		GroundednessThreshold: cfg.LLM.GroundednessThreshold,
	})
	registry := worker.NewCancelRegistry()
	handler := chatworker.NewHandler(
		deps.Store,
		runner,
		deps.Progress,
		registry,
		fabric.NewBotConfigCache(deps.KV),
		webhook.NewGatewayClient(cfg.Webhook.GatewayURL, cfg.Webhook.Secret),
		webhook.NewSender(cfg.Webhook.EndpointURL, cfg.Webhook.Secret),
	)

	ctx, stop := app.SignalContext()
	defer stop()

	go app.ServeHealth(ctx, cfg.Server.Port, deps)
	go func() {
		if err := worker.ListenCancels(ctx, deps.KV, registry); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("[ChatWorker] Cancel listener exited", "error", err)
		}
	}()

	rt := worker.NewRuntime(deps.Bus, deps.Progress, cfg.Worker.MaxConcurrentTasks, cfg.ShutdownGrace())
	rt.Register(bus.TaskChat, handler.HandleChat)

	if err := rt.Run(ctx, bus.ChatQueue, 0); err != nil {
		slog.Error("[ChatWorker] Runtime exited", "error", err)
		os.Exit(1)
	}
	slog.Info("[ChatWorker] Shutdown complete")
}
