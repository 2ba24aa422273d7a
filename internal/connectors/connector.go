// Package connectors defines the action runner interface for Conduit.
package connectors

import (
	"context"
	"errors"

	"github.com/fentz26/conduit/internal/secrets"
)

var (
	// ErrNotAllowed is returned for commands outside the allowlist.
	ErrNotAllowed = errors.New("command not allowed")
	// ErrUnknownAction is returned for a uses: reference the runner cannot
	// resolve.
	ErrUnknownAction = errors.New("unknown action")
)

// Action is one step's work as handed to a runner. Exactly one of Run and
// Uses is set. Only the runner reveals secret values.
type Action struct {
	StepID     string
	Run        string
	Uses       string
	With       map[string]string
	SecretWith map[string]secrets.Value
	Env        map[string]string
	SecretEnv  map[string]secrets.Value
	WorkDir    string
}

// Secrets returns every secret the action carries.
func (a Action) Secrets() []secrets.Value {
	out := make([]secrets.Value, 0, len(a.SecretEnv)+len(a.SecretWith))
	for _, v := range a.SecretEnv {
		out = append(out, v)
	}
	for _, v := range a.SecretWith {
		out = append(out, v)
	}
	return out
}

// ExecResult holds the result of an action.
type ExecResult struct {
	Command  string            `json:"command"`
	ExitCode int               `json:"exit_code"`
	Stdout   string            `json:"stdout"`
	Stderr   string            `json:"stderr"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

// Connector defines the interface for executing actions. A non-zero exit
// code is reported in the result, not as an error; errors mean the action
// could not be run at all.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs an action and returns the result.
	Execute(ctx context.Context, action Action) (*ExecResult, error)

	// IsAllowed checks if an action is allowed to execute.
	IsAllowed(action Action) bool
}
