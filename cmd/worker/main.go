// Package main implements the worker process. It drains the scrape, ai and
// invent queues, stores the resulting recipes and publishes progress events.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/recipe-forge/internal/config"
	"github.com/phrazzld/recipe-forge/internal/platform/gemini"
	"github.com/phrazzld/recipe-forge/internal/platform/logger"
	"github.com/phrazzld/recipe-forge/internal/platform/postgres"
	"github.com/phrazzld/recipe-forge/internal/platform/redisconn"
	"github.com/phrazzld/recipe-forge/internal/scrape"
	"github.com/phrazzld/recipe-forge/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("worker: %v", err)
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
	appLogger.Info("worker configuration loaded",
		"pipelines", cfg.Worker.Pipelines,
		"concurrency", cfg.Worker.Concurrency)

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.TracerConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "recipe-worker",
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
	defer rdb.Close()

	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db, appLogger); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	generator, err := gemini.NewGenerator(ctx, appLogger.With("component", "llm_generator"), cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM generator: %w", err)
	}

	content, err := scrape.NewContentStore(cfg.Scrape.ContentDir)
	if err != nil {
		return fmt.Errorf("failed to open content store: %w", err)
	}

	fetcher := &scrape.FallbackFetcher{
		Primary: scrape.NewHTTPFetcher(cfg.Scrape.FetchTimeout, cfg.Scrape.UserAgent, cfg.Scrape.MaxBodyBytes),
		Logger:  appLogger,
	}
	if cfg.Scrape.BrowserEnabled {
		browser := scrape.NewRodFetcher(cfg.Scrape.BrowserControlURL)
		defer func() {
			if err := browser.Close(); err != nil {
				appLogger.Warn("failed to close browser", "error", err)
			}
		}()
		fetcher.Secondary = browser
	}

	w, err := newWorker(cfg, appLogger, workerDeps{
		Redis:     rdb,
		Recipes:   postgres.NewPostgresRecipeStore(db, appLogger),
		Generator: generator,
		Fetcher:   fetcher,
		Content:   content,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	err = w.run(ctx)
	appLogger.Info("worker exiting", "uptime", time.Since(started).Round(time.Second))
	return err
}
