package service

import (
	"errors"
	"fmt"
)

// Common service errors - sentinel errors used across service implementations.
// The API layer maps them to HTTP status codes.
var (
	// ErrInvalidRequest indicates a request rejected at the enqueue boundary.
	// It always wraps a more specific validation error.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRecipeNotFound indicates that the requested recipe does not exist.
	ErrRecipeNotFound = errors.New("recipe not found")

	// ErrEnqueueFailed indicates the task could not be placed on its queue.
	ErrEnqueueFailed = errors.New("failed to enqueue task")
)

// ServiceError wraps an unexpected failure with the operation that produced it.
type ServiceError struct {
	Service   string
	Operation string
	Err       error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s service %s operation failed: %v", e.Service, e.Operation, e.Err)
	}
	return fmt.Sprintf("%s service %s operation failed", e.Service, e.Operation)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a ServiceError.
func NewServiceError(service, operation string, err error) *ServiceError {
	return &ServiceError{Service: service, Operation: operation, Err: err}
}
