package engine

import "errors"

var (
	// ErrInvalidEvent is returned for events that fail validation.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrRunNotFound is returned for run ids the engine does not know.
	ErrRunNotFound = errors.New("run not found")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("engine closed")

	errShutdown = errors.New("engine shutting down")
)
