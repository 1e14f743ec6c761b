package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/api"
	"github.com/acme/power-dialer/internal/app"
	"github.com/acme/power-dialer/internal/scheduler"
	"github.com/acme/power-dialer/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	cfg := container.Config
	lg := container.Logger

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App.Name+"-api", cfg.App.Version)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	engine := container.Engine()
	go func() {
		if err := engine.Broadcaster().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("progress sink stopped", zap.Error(err))
		}
	}()

	sweeper := scheduler.New(engine, cfg.Scheduler.TickInterval, lg)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("sweeper stopped", zap.Error(err))
		}
	}()

	server := api.NewServer(cfg, container.HandlerSet())
	lg.Info("starting api server", zap.Int("port", cfg.HTTP.Port), zap.String("provider", cfg.Provider.Name))
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
