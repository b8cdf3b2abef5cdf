package api

import (
	"net/http"

	"github.com/phrazzld/recipe-forge/internal/api/shared"
	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/gateway"
	"github.com/phrazzld/recipe-forge/internal/platform/logger"
	"github.com/phrazzld/recipe-forge/internal/service"
)

// RecipeHandler handles the enqueue, queue status and recipe read endpoints.
type RecipeHandler struct {
	enqueue service.EnqueueService
	recipes service.RecipeService
	status  gateway.StatusReader
}

// NewRecipeHandler creates a new RecipeHandler
func NewRecipeHandler(
	enqueue service.EnqueueService,
	recipes service.RecipeService,
	status gateway.StatusReader,
) *RecipeHandler {
	return &RecipeHandler{
		enqueue: enqueue,
		recipes: recipes,
		status:  status,
	}
}

// Scrape handles POST /api/scrape requests. The response confirms the task
// was queued; the scraped recipe arrives later as progress events.
func (h *RecipeHandler) Scrape(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	var req service.ScrapeRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	receipt, err := h.enqueue.EnqueueScrape(r.Context(), userID, req)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, receipt)
}

// Invent handles POST /api/invent requests.
func (h *RecipeHandler) Invent(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	var req domain.InventRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	receipt, err := h.enqueue.EnqueueInvent(r.Context(), userID, req)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, receipt)
}

// QueueStatus handles GET /api/queue/status requests with the same data the
// gateway returns for a get-queue-status message.
func (h *RecipeHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.status.QueueStatus(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Warn("failed to read queue status", "error", err)
		shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "Queue status unavailable", err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, status)
}

// GetRecipe handles GET /api/recipes/{id} requests.
func (h *RecipeHandler) GetRecipe(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	recipe, err := h.recipes.GetRecipe(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, recipe)
}
