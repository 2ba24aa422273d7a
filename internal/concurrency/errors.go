package concurrency

import "errors"

var (
	// ErrSuperseded is the cancel cause of a run replaced by a newer run of
	// the same group.
	ErrSuperseded = errors.New("superseded by a newer run")
	// ErrCancelled is the cancel cause of an explicitly cancelled run.
	ErrCancelled = errors.New("cancelled")
	// ErrUnknownRun means the run holds no slot and waits in no queue.
	ErrUnknownRun = errors.New("run not registered")
	// ErrDuplicateRun means a run id was admitted twice.
	ErrDuplicateRun = errors.New("run already registered")
)
