package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/recipe-forge/internal/api"
	"github.com/phrazzld/recipe-forge/internal/config"
	"github.com/phrazzld/recipe-forge/internal/gateway"
	"github.com/phrazzld/recipe-forge/internal/metrics"
	"github.com/phrazzld/recipe-forge/internal/progress"
	"github.com/phrazzld/recipe-forge/internal/queue"
	"github.com/phrazzld/recipe-forge/internal/service"
	"github.com/phrazzld/recipe-forge/internal/service/auth"
	"github.com/phrazzld/recipe-forge/internal/store"
	"github.com/phrazzld/recipe-forge/internal/task"
)

// requestTimeout bounds every /api request.
const requestTimeout = 30 * time.Second

// application holds the server's dependencies.
type application struct {
	config *config.Config
	logger *slog.Logger

	queues  map[string]*queue.RedisQueue
	bus     progress.Bus
	gateway *gateway.Gateway
	handler http.Handler

	// closers run in order after the HTTP server has stopped.
	closers []func() error
}

// newApplication wires the API around the shared Redis client and the
// recipe store.
func newApplication(
	cfg *config.Config,
	logger *slog.Logger,
	rdb redis.UniversalClient,
	recipes store.RecipeStore,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		queues: make(map[string]*queue.RedisQueue),
	}

	qcfg := queue.Config{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
	}
	for _, name := range queue.Names() {
		app.queues[name] = queue.New(rdb, name, qcfg, logger)
	}

	app.bus = progress.NewRedisBus(rdb, progress.DefaultChannel, logger)
	reporter := task.NewReporter(app.bus, logger)

	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("JWT authentication service initialized",
		"token_lifetime", cfg.Auth.TokenLifetime)

	enqueueService, err := service.NewEnqueueService(
		app.queues[queue.Scrape],
		app.queues[queue.Invent],
		reporter,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueue service: %w", err)
	}

	recipeService, err := service.NewRecipeService(recipes, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create recipe service: %w", err)
	}

	status := gateway.NewQueueStatusReader(
		app.queues[queue.Scrape],
		app.queues[queue.AI],
		app.queues[queue.Invent],
	)
	app.gateway = gateway.New(app.bus, status, gateway.DefaultConfig(), logger)

	app.handler = api.NewRouter(api.RouterConfig{
		Recipes:        api.NewRecipeHandler(enqueueService, recipeService, status),
		JWTService:     jwtService,
		Gateway:        app.gateway,
		Metrics:        metrics.Handler(),
		RequestTimeout: requestTimeout,
		Logger:         logger,
	})

	return app, nil
}

// cleanup stops the gateway and closes the shared clients.
func (app *application) cleanup() {
	if err := app.gateway.Stop(); err != nil {
		app.logger.Error("failed to stop gateway", "error", err)
	}
	for _, closeFn := range app.closers {
		if err := closeFn(); err != nil {
			app.logger.Error("failed to close resource", "error", err)
		}
	}
}
