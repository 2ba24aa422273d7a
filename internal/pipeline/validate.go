package pipeline

import (
	"fmt"
	"strings"
)

// scope is the set of references and functions a field may use.
type scope uint16

const (
	allowWorkflow scope = 1 << iota
	allowRef
	allowEventKind
	allowRunnerOS
	allowEnv
	allowSecrets
	allowSteps
	allowHashFiles
	allowStatus
)

const (
	scopeGroup      = allowWorkflow | allowRef
	scopeEnv        = allowWorkflow | allowRef | allowEventKind | allowRunnerOS
	scopeCacheKey   = allowWorkflow | allowRef | allowRunnerOS | allowEnv | allowHashFiles
	scopeJobIf      = allowWorkflow | allowRef | allowEventKind | allowRunnerOS | allowEnv | allowStatus
	scopeStepIf     = scopeJobIf | allowSteps
	scopeStep       = allowWorkflow | allowRef | allowEventKind | allowRunnerOS | allowEnv | allowSteps
	scopeStepSecret = scopeStep | allowSecrets
)

func unknownVar(v Var) error {
	return fmt.Errorf("%w: %s", ErrUnknownVariable, v.String())
}

func checkVar(v Var, allowed scope, prior map[string]bool) error {
	p := v.Path
	need := scope(0)
	switch {
	case len(p) == 1 && p[0] == "workflow":
		need = allowWorkflow
	case len(p) == 1 && p[0] == "ref":
		need = allowRef
	case len(p) == 2 && p[0] == "event" && p[1] == "kind":
		need = allowEventKind
	case len(p) == 2 && p[0] == "runner" && p[1] == "os":
		need = allowRunnerOS
	case len(p) == 2 && p[0] == "env":
		need = allowEnv
	case len(p) == 2 && p[0] == "secrets":
		need = allowSecrets
	case p[0] == "steps" && (len(p) == 4 && p[2] == "outputs" || len(p) == 3 && p[2] == "outcome"):
		if allowed&allowSteps == 0 {
			return fmt.Errorf("%w: %s is not available here", ErrUnknownVariable, v.String())
		}
		if !prior[p[1]] {
			return fmt.Errorf("%w: %s refers to no earlier step %q", ErrUnknownVariable, v.String(), p[1])
		}
		return nil
	default:
		return unknownVar(v)
	}
	if allowed&need == 0 {
		return fmt.Errorf("%w: %s is not available here", ErrUnknownVariable, v.String())
	}
	return nil
}

func checkCall(c Call, allowed scope) error {
	switch c.Name {
	case "success", "always":
		if allowed&allowStatus == 0 {
			return fmt.Errorf("%w: %s() is only valid in conditions", ErrUnknownVariable, c.Name)
		}
		if len(c.Args) != 0 {
			return fmt.Errorf("%w: %s() takes no arguments", ErrSyntax, c.Name)
		}
	case "startsWith":
		if len(c.Args) != 2 {
			return fmt.Errorf("%w: startsWith() takes two arguments", ErrSyntax)
		}
	case "hashFiles":
		if allowed&allowHashFiles == 0 {
			return fmt.Errorf("%w: hashFiles() is only valid in cache keys", ErrUnknownVariable)
		}
		if len(c.Args) == 0 {
			return fmt.Errorf("%w: hashFiles() needs at least one pattern", ErrSyntax)
		}
		for _, a := range c.Args {
			if _, ok := a.(Literal); !ok {
				return fmt.Errorf("%w: hashFiles() patterns must be string literals", ErrSyntax)
			}
		}
	default:
		return fmt.Errorf("%w: function %s()", ErrUnknownVariable, c.Name)
	}
	return nil
}

func checkExpr(e Expr, allowed scope, prior map[string]bool) error {
	var err error
	walk(e, func(n Expr) {
		if err != nil {
			return
		}
		switch x := n.(type) {
		case Var:
			err = checkVar(x, allowed, prior)
		case Call:
			err = checkCall(x, allowed)
		}
	})
	return err
}

// checkSecretPlacement rejects secrets embedded in larger strings; a secret
// may only be the whole value so it can travel as an opaque reference.
func checkSecretPlacement(t Template) error {
	if _, ok := t.SecretName(); ok {
		return nil
	}
	for _, e := range t.Exprs() {
		var found bool
		walk(e, func(n Expr) {
			if v, ok := n.(Var); ok && len(v.Path) > 0 && v.Path[0] == "secrets" {
				found = true
			}
		})
		if found {
			return invalidf("secrets must be referenced as the entire value")
		}
	}
	return nil
}

// validateNeeds checks job dependencies and rejects cycles. Detection is a
// DFS in declaration order so the reported cycle is stable.
func validateNeeds(def *Definition) error {
	for _, job := range def.Jobs {
		for _, need := range job.Needs {
			if need == job.ID {
				return fmt.Errorf("%w: job %q needs itself", ErrCycle, job.ID)
			}
			if _, ok := def.jobIndex[need]; !ok {
				return invalidf("job %q needs unknown job %q", job.ID, need)
			}
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(def.Jobs))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		for _, need := range def.jobIndex[id].Needs {
			switch color[need] {
			case gray:
				start := 0
				for i, s := range stack {
					if s == need {
						start = i
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), need)
				return fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
			case white:
				if err := visit(need); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, job := range def.Jobs {
		if color[job.ID] == white {
			if err := visit(job.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stages groups jobs into dependency depths. Jobs in one stage do not depend
// on each other; within a stage declaration order is kept.
func (d *Definition) Stages() [][]*Job {
	depth := make(map[string]int, len(d.Jobs))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if v, ok := depth[id]; ok {
			return v
		}
		best := 0
		for _, need := range d.jobIndex[id].Needs {
			if v := depthOf(need) + 1; v > best {
				best = v
			}
		}
		depth[id] = best
		return best
	}

	var stages [][]*Job
	for _, job := range d.Jobs {
		n := depthOf(job.ID)
		for len(stages) <= n {
			stages = append(stages, nil)
		}
		stages[n] = append(stages[n], job)
	}
	return stages
}
