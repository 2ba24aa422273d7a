package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/conduit/internal/engine"
	"github.com/fentz26/conduit/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoStore        = errors.New("run archive not configured")
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, engine.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, engine.ErrRunNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrClosed), errors.Is(err, ErrNoStore):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
