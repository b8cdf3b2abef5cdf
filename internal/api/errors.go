package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/phrazzld/recipe-forge/internal/api/shared"
	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/service"
	"github.com/phrazzld/recipe-forge/internal/service/auth"
	"github.com/phrazzld/recipe-forge/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrMissingSubject),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized

	case errors.Is(err, service.ErrRecipeNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, shared.ErrInvalidJSON),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, service.ErrEnqueueFailed):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrMissingSubject):
		return "Invalid token"
	case errors.Is(err, domain.ErrUnauthorized):
		return "User ID not found or invalid"

	case errors.Is(err, service.ErrRecipeNotFound),
		errors.Is(err, store.ErrNotFound):
		return "Recipe not found"

	// Enqueue-boundary validation messages are built from field names and
	// constraints only, so they are safe to return as-is.
	case errors.Is(err, service.ErrInvalidRequest):
		return validationMessage(err)
	case errors.Is(err, shared.ErrInvalidJSON):
		return "Invalid request format"
	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid ID"

	case errors.Is(err, service.ErrEnqueueFailed):
		return "Work queue unavailable, try again later"

	default:
		return "An unexpected error occurred"
	}
}

// validationMessage strips the sentinel prefix from an enqueue validation
// error: "invalid request: title is required" becomes "title is required".
func validationMessage(err error) string {
	msg := err.Error()
	prefix := service.ErrInvalidRequest.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		msg = msg[i+len(prefix):]
	}
	if msg == "" {
		return "Validation error"
	}
	return msg
}

// HandleAPIError writes the response for err. A non-empty message overrides
// the mapped safe message.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
