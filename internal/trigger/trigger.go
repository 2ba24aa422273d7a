// Package trigger decides which pipeline definitions an event starts.
package trigger

import (
	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/pipeline"
)

// Binding is the ref an accepted event binds into a run.
type Binding struct {
	Ref string
	Tag string
}

// Result pairs a definition with the binding of the event that fired it.
type Result struct {
	Definition *pipeline.Definition
	Binding    Binding
}

// Match returns the definitions that event starts, in the order given. An
// empty result is a normal outcome, not an error.
func Match(event models.Event, defs []*pipeline.Definition) []Result {
	var out []Result
	for _, def := range defs {
		if Fires(event, def) {
			out = append(out, Result{
				Definition: def,
				Binding:    Binding{Ref: event.NormalizedRef(), Tag: event.TagName()},
			})
		}
	}
	return out
}

// Fires reports whether any trigger clause of def accepts event.
func Fires(event models.Event, def *pipeline.Definition) bool {
	for _, trig := range def.Triggers {
		if clauseMatches(trig, event) {
			return true
		}
	}
	return false
}

func clauseMatches(trig pipeline.Trigger, event models.Event) bool {
	if trig.Kind != event.Kind {
		return false
	}

	switch event.Kind {
	case models.EventPush:
		tag := event.TagName()
		if len(trig.Branches) == 0 && len(trig.Tags) == 0 {
			return true
		}
		if tag != "" {
			// A clause filtering only branches ignores tag pushes.
			return len(trig.Tags) > 0 && trig.Tags.Match(tag)
		}
		return len(trig.Branches) > 0 && trig.Branches.Match(event.Branch())
	case models.EventPullRequest:
		return trig.Branches.Match(event.Branch())
	}
	return false
}
