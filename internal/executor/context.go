package executor

import (
	"fmt"
	"strings"

	"github.com/fentz26/conduit/internal/models"
)

// evalContext resolves template references for one job. Values holds the
// run-wide bindings (workflow, ref, event.kind, runner.os) and env.NAME.
type evalContext struct {
	values  map[string]string
	steps   map[string]*models.StepOutcome
	success bool
}

func (c *evalContext) Lookup(path []string) string {
	if len(path) >= 3 && path[0] == "steps" {
		out, ok := c.steps[path[1]]
		if !ok {
			return ""
		}
		switch {
		case len(path) == 3 && path[2] == "outcome":
			return string(out.Status)
		case len(path) == 4 && path[2] == "outputs":
			return out.Outputs[path[3]]
		}
		return ""
	}
	return c.values[strings.Join(path, ".")]
}

func (c *evalContext) Call(name string, args []string) (string, error) {
	return "", fmt.Errorf("function %s not available here", name)
}

func (c *evalContext) Success() bool { return c.success }

// with returns a copy of c extended by env.
func (c *evalContext) with(env map[string]string) *evalContext {
	values := make(map[string]string, len(c.values)+len(env))
	for k, v := range c.values {
		values[k] = v
	}
	for k, v := range env {
		values["env."+k] = v
	}
	return &evalContext{values: values, steps: c.steps, success: c.success}
}
