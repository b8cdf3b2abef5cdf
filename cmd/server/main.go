// Package main implements the entry point for the recipe API server, which
// accepts scrape and invent requests, queues them for the workers and streams
// their progress to websocket clients.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/phrazzld/recipe-forge/internal/config"
	"github.com/phrazzld/recipe-forge/internal/platform/logger"
	"github.com/phrazzld/recipe-forge/internal/platform/postgres"
	"github.com/phrazzld/recipe-forge/internal/platform/redisconn"
	"github.com/phrazzld/recipe-forge/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	appLogger.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel)

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.TracerConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "recipe-server",
		Environment: cfg.Tracing.Environment,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("tracer shutdown failed", "error", err)
		}
	}()

	rdb, err := redisconn.Open(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}

	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		_ = rdb.Close()
		return err
	}
	if err := postgres.Migrate(ctx, db, appLogger); err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	app, err := newApplication(cfg, appLogger, rdb, postgres.NewPostgresRecipeStore(db, appLogger))
	if err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return err
	}
	app.closers = append(app.closers, db.Close, rdb.Close)

	return app.serve(ctx)
}
