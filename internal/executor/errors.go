package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrActionFailed marks a step whose action exited non-zero or could not
	// be run.
	ErrActionFailed = errors.New("action failed")
	// ErrTimeoutExceeded marks a step interrupted by its own or its job's
	// wall-clock budget.
	ErrTimeoutExceeded = errors.New("timeout exceeded")
)

// abortError is the cancellation cause handed to in-flight jobs when another
// job of the run fails.
type abortError struct {
	job string
}

func (e *abortError) Error() string {
	return fmt.Sprintf("run aborted: job %s failed", e.job)
}
