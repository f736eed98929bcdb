package main

import (
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chatlead/backend/internal/app"
	"github.com/chatlead/backend/internal/config"
	"github.com/chatlead/backend/internal/gateway"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("[Gateway] Config load failed", "error", err)
		os.Exit(1)
	}
	app.InitLogger(cfg.Server.Env)

	deps, err := app.Connect(cfg)
	if err != nil {
		slog.Error("[Gateway] Startup failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := gateway.NewServerWithRegistry(deps.Store, deps.Bus, deps.KV, gateway.Config{
		ScratchDir:    cfg.Ingest.ScratchDir,
		WebhookSecret: cfg.Webhook.Secret,
	}, reg)

	ctx, stop := app.SignalContext()
	defer stop()

	if err := srv.Serve(ctx, ":"+cfg.Server.Port, cfg.ShutdownGrace()); err != nil {
		slog.Error("[Gateway] Server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("[Gateway] Shutdown complete")
}
