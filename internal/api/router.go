package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apiMiddleware "github.com/phrazzld/recipe-forge/internal/api/middleware"
	"github.com/phrazzld/recipe-forge/internal/service/auth"
)

// RouterConfig holds what NewRouter mounts.
type RouterConfig struct {
	Recipes    *RecipeHandler
	JWTService auth.JWTService

	// Gateway serves the websocket endpoint. Optional.
	Gateway http.Handler
	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	// RequestTimeout bounds non-websocket requests. Zero disables it.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// NewRouter creates the application router with all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(cfg.Logger))

	authMiddleware := apiMiddleware.NewAuthMiddleware(cfg.JWTService)

	r.Route("/api", func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		r.Use(authMiddleware.Authenticate)

		r.Post("/scrape", cfg.Recipes.Scrape)
		r.Post("/invent", cfg.Recipes.Invent)
		r.Get("/queue/status", cfg.Recipes.QueueStatus)
		r.Get("/recipes/{id}", cfg.Recipes.GetRecipe)
	})

	if cfg.Gateway != nil {
		r.Handle("/ws", cfg.Gateway)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			cfg.Logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
