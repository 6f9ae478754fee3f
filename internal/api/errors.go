package api

import (
	"errors"
	"net/http"

	"github.com/fieldnote/analysis-engine/internal/service"
	"github.com/fieldnote/analysis-engine/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrRunNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrResultNotFound):
		return http.StatusNotFound

	case errors.Is(err, service.ErrRunNotCancellable):
		return http.StatusConflict

	case errors.Is(err, service.ErrNoContentItems),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-facing message for the
// error.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, service.ErrRunNotFound), errors.Is(err, store.ErrRunNotFound):
		return "Run not found"

	case errors.Is(err, store.ErrResultNotFound):
		return "Result not found"

	case errors.Is(err, service.ErrRunNotCancellable):
		return "Run is already finished"

	case errors.Is(err, service.ErrNoContentItems):
		return "At least one content item is required"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request data"

	default:
		return "An unexpected error occurred"
	}
}
