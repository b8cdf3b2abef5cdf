package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/recipe-forge/internal/api/shared"
	"github.com/phrazzld/recipe-forge/internal/domain"
)

// getUserIDFromContext extracts the authenticated user's id from the request
// context, where the authentication middleware put it.
func getUserIDFromContext(r *http.Request) (string, bool) {
	return shared.GetUserID(r.Context())
}

// getPathID extracts a positive integer id from the URL path parameters.
func getPathID(r *http.Request, paramName string) (int64, error) {
	raw := chi.URLParam(r, paramName)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", domain.ErrInvalidID, paramName)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s has invalid format", domain.ErrInvalidID, paramName)
	}
	return id, nil
}
