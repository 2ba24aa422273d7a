package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for definition loading.
var (
	ErrInvalid         = errors.New("invalid pipeline definition")
	ErrUnknownVariable = errors.New("unknown template variable")
	ErrCycle           = errors.New("cyclic job dependency")
	ErrSyntax          = errors.New("expression syntax error")
)

// DefinitionError reports a malformed pipeline. Path locates the offending
// field ("jobs.build.steps[2].if").
type DefinitionError struct {
	Pipeline string
	Path     string
	Err      error
}

func (e *DefinitionError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Pipeline != "" && e.Path != "":
		return fmt.Sprintf("pipeline %q: %s: %v", e.Pipeline, e.Path, e.Err)
	case e.Pipeline != "":
		return fmt.Sprintf("pipeline %q: %v", e.Pipeline, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return e.Err.Error()
}

func (e *DefinitionError) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
