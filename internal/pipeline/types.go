// Package pipeline defines the typed form of pipeline definitions and the
// loader that turns YAML or JSONC files into it.
//
// Definitions are parsed and validated once. Every template and condition
// is compiled into an expression AST at load time, so malformed input
// (unknown variables, references to later steps, cyclic needs) is rejected
// before any run starts.
package pipeline

import (
	"time"

	"github.com/fentz26/conduit/internal/models"
)

// DefaultGroupTemplate is the concurrency group used when a definition does
// not declare one.
const DefaultGroupTemplate = "${{ workflow }}-${{ ref }}"

// Definition is an immutable, validated pipeline.
type Definition struct {
	Name        string
	Source      string
	Triggers    []Trigger
	Concurrency Concurrency
	Env         map[string]Template
	Jobs        []*Job

	jobIndex map[string]*Job
}

// Job returns the job with the given id.
func (d *Definition) Job(id string) (*Job, bool) {
	j, ok := d.jobIndex[id]
	return j, ok
}

// Trigger is one clause of the on: block.
type Trigger struct {
	Kind     models.EventKind
	Branches PatternList
	Tags     PatternList
}

// Concurrency controls how overlapping runs of a pipeline interact.
type Concurrency struct {
	Group            Template
	CancelInProgress bool
}

// Job is an ordered list of steps with its own condition and timeout.
type Job struct {
	ID      string
	Name    string
	Needs   []string
	If      Condition
	Timeout time.Duration
	Env     map[string]Template
	Steps   []*Step
}

// StepKind tells which action a step carries.
type StepKind string

const (
	StepRun   StepKind = "run"
	StepUses  StepKind = "uses"
	StepCache StepKind = "cache"
)

// Step is a single unit of work. Exactly one of Run, Uses or Cache is set.
type Step struct {
	ID         string
	Name       string
	Kind       StepKind
	If         Condition
	Run        Template
	Uses       string
	With       map[string]Template
	Cache      *CacheSpec
	Env        map[string]Template
	Timeout    time.Duration
	BestEffort bool
}

// DisplayName returns the name shown in logs and summaries.
func (s *Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Kind == StepRun:
		return "Run " + firstLine(s.Run.Raw())
	case s.Kind == StepUses:
		return "Use " + s.Uses
	}
	return "Cache " + s.Cache.Key.Raw()
}

// CacheSpec declares a cached set of paths.
type CacheSpec struct {
	Paths       []string
	Key         Template
	RestoreKeys []Template
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
