// Package models defines the core domain types for Conduit.
package models

import (
	"fmt"
	"strings"
	"time"
)

// EventKind identifies the repository event that may start a run.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	return k == EventPush || k == EventPullRequest
}

// Event is an immutable repository event delivered by the source-control
// collaborator. For pull requests Ref names the target branch.
type Event struct {
	Kind EventKind `json:"kind"`
	Ref  string    `json:"ref,omitempty"`
	Tag  string    `json:"tag,omitempty"`
}

// Branch returns the branch name the event refers to, or "" for tag pushes.
func (e Event) Branch() string {
	if e.TagName() != "" && e.Kind == EventPush {
		return ""
	}
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// TagName returns the tag carried by the event. An explicit Tag wins over a
// refs/tags/ ref.
func (e Event) TagName() string {
	if e.Tag != "" {
		return strings.TrimPrefix(e.Tag, "refs/tags/")
	}
	if strings.HasPrefix(e.Ref, "refs/tags/") {
		return strings.TrimPrefix(e.Ref, "refs/tags/")
	}
	return ""
}

// Validate checks that the event names a known kind and a ref.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Ref == "" && e.Tag == "" {
		return fmt.Errorf("%s event needs a ref or tag", e.Kind)
	}
	if e.Kind == EventPullRequest && e.Tag != "" {
		return fmt.Errorf("pull_request events carry no tag")
	}
	return nil
}

// NormalizedRef is the short ref name used for concurrency grouping and
// template rendering: the tag for tag pushes, the branch otherwise.
func (e Event) NormalizedRef() string {
	if tag := e.TagName(); tag != "" {
		return tag
	}
	return e.Branch()
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// JobStatus represents the outcome of a job within a run.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
	JobCancelled JobStatus = "cancelled"
)

// StepStatus represents the outcome of a single step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepNotRun    StepStatus = "not_run"
	StepCancelled StepStatus = "cancelled"
)

// StepOutcome is the write-once record of one step execution.
type StepOutcome struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     StepStatus        `json:"status"`
	BestEffort bool              `json:"best_effort,omitempty"`
	Action     string            `json:"action,omitempty"`
	ExitCode   int               `json:"exit_code"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	Cache      *CacheEntry       `json:"cache,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
}

// JobOutcome aggregates the step outcomes of one job.
type JobOutcome struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    JobStatus     `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Steps     []StepOutcome `json:"steps"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// Run is one execution of a pipeline definition against a single event.
type Run struct {
	ID        string       `json:"id"`
	Pipeline  string       `json:"pipeline"`
	Ref       string       `json:"ref"`
	Group     string       `json:"group"`
	Event     Event        `json:"event"`
	Status    RunStatus    `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Jobs      []JobOutcome `json:"jobs"`
	CreatedAt time.Time    `json:"created_at"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}

// FailedStep returns the first non-best-effort failed step, with its job id.
func (r *Run) FailedStep() (string, *StepOutcome) {
	for i := range r.Jobs {
		for j := range r.Jobs[i].Steps {
			step := &r.Jobs[i].Steps[j]
			if step.Status == StepFailed && !step.BestEffort {
				return r.Jobs[i].ID, step
			}
		}
	}
	return "", nil
}

// CacheEntry describes the result of resolving one cache spec.
type CacheEntry struct {
	Key              string   `json:"key"`
	MatchedKey       string   `json:"matched_key,omitempty"`
	RestoreKeysTried []string `json:"restore_keys_tried,omitempty"`
	Hit              bool     `json:"hit"`
	Exact            bool     `json:"exact"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	RunID      string    `json:"run_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
