package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/recipe-forge/internal/claims"
	"github.com/phrazzld/recipe-forge/internal/config"
	"github.com/phrazzld/recipe-forge/internal/generation"
	"github.com/phrazzld/recipe-forge/internal/metrics"
	"github.com/phrazzld/recipe-forge/internal/progress"
	"github.com/phrazzld/recipe-forge/internal/queue"
	"github.com/phrazzld/recipe-forge/internal/scrape"
	"github.com/phrazzld/recipe-forge/internal/store"
	"github.com/phrazzld/recipe-forge/internal/task"
)

// processedNamespace holds the processed markers shared by every pipeline.
const processedNamespace = "recipes"

// workerDeps are the collaborators a worker process is built from.
type workerDeps struct {
	Redis     redis.UniversalClient
	Recipes   store.RecipeStore
	Generator generation.Generator
	Fetcher   scrape.Fetcher
	Content   task.ContentStore
}

type worker struct {
	runners []*task.Runner
	metrics *http.Server
	logger  *slog.Logger
}

// newWorker builds one runner per configured pipeline.
func newWorker(cfg *config.Config, logger *slog.Logger, deps workerDeps) (*worker, error) {
	qcfg := queue.Config{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
	}
	queues := make(map[string]*queue.RedisQueue)
	for _, name := range queue.Names() {
		queues[name] = queue.New(deps.Redis, name, qcfg, logger)
	}

	reporter := task.NewReporter(progress.NewRedisBus(deps.Redis, progress.DefaultChannel, logger), logger)
	done := claims.New(deps.Redis, processedNamespace, cfg.Claims.TTL, logger)

	runnerCfg := task.RunnerConfig{
		Concurrency:    cfg.Worker.Concurrency,
		DequeueTimeout: cfg.Queue.DequeueTimeout,
		TaskTimeout:    cfg.Worker.TaskTimeout,
		ReaperInterval: cfg.Queue.ReaperInterval,
	}

	w := &worker{logger: logger}
	seen := make(map[string]bool)
	for _, name := range cfg.Worker.Pipelines {
		if seen[name] {
			continue
		}
		seen[name] = true

		runnerDeps := task.RunnerDeps{
			Claims:   claims.New(deps.Redis, name, cfg.Claims.TTL, logger),
			Done:     done,
			Recipes:  deps.Recipes,
			Reporter: reporter,
		}

		var p task.Pipeline
		switch name {
		case queue.Scrape:
			p = task.NewScrapePipeline(deps.Fetcher, deps.Content, queues[queue.AI], reporter, logger)
		case queue.AI:
			p = task.NewExtractPipeline(deps.Generator, deps.Content, cfg.LLM.TokenBudget, runnerDeps, logger)
		case queue.Invent:
			p = task.NewInventPipeline(deps.Generator, runnerDeps, logger)
		default:
			return nil, fmt.Errorf("unknown pipeline %q", name)
		}

		r, err := task.NewRunner(queues[name], p, runnerDeps, runnerCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s runner: %w", name, err)
		}
		w.runners = append(w.runners, r)
		logger.Info("pipeline configured",
			"pipeline", name,
			"concurrency", runnerCfg.Concurrency)
	}

	if cfg.Metrics.Port > 0 {
		w.metrics = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return w, nil
}

// run processes tasks until ctx is done or a runner fails. In-flight tasks
// are abandoned to the reaper on shutdown.
func (w *worker) run(ctx context.Context) error {
	var listener net.Listener
	if w.metrics != nil {
		var err error
		listener, err = net.Listen("tcp", w.metrics.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, r := range w.runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	if listener != nil {
		g.Go(func() error {
			w.logger.Info("serving metrics", "addr", listener.Addr().String())
			if err := w.metrics.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return w.metrics.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}
