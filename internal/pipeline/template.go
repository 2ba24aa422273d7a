package pipeline

import (
	"fmt"
	"strings"
)

// Context resolves references and host functions while evaluating
// expressions. Lookup returns "" for unknown references; Call is only asked
// for functions that are not built in (hashFiles).
type Context interface {
	Lookup(path []string) string
	Call(name string, args []string) (string, error)
	Success() bool
}

// StaticContext is a Context over a flat map keyed by dotted path.
type StaticContext struct {
	Values map[string]string
	OK     bool
}

func (c StaticContext) Lookup(path []string) string { return c.Values[strings.Join(path, ".")] }

func (c StaticContext) Call(name string, args []string) (string, error) {
	return "", fmt.Errorf("function %s not available", name)
}

func (c StaticContext) Success() bool { return c.OK }

// Eval evaluates e to its string value.
func Eval(e Expr, ctx Context) (string, error) {
	switch n := e.(type) {
	case Literal:
		return n.Value, nil
	case Var:
		return ctx.Lookup(n.Path), nil
	case Not:
		v, err := Eval(n.X, ctx)
		if err != nil {
			return "", err
		}
		return boolString(!truthy(v)), nil
	case Binary:
		left, err := Eval(n.Left, ctx)
		if err != nil {
			return "", err
		}
		switch n.Op {
		case "&&":
			if !truthy(left) {
				return "false", nil
			}
		case "||":
			if truthy(left) {
				return "true", nil
			}
		}
		right, err := Eval(n.Right, ctx)
		if err != nil {
			return "", err
		}
		switch n.Op {
		case "==":
			return boolString(left == right), nil
		case "!=":
			return boolString(left != right), nil
		default:
			return boolString(truthy(right)), nil
		}
	case Call:
		args := make([]string, len(n.Args))
		for i, a := range n.Args {
			v, err := Eval(a, ctx)
			if err != nil {
				return "", err
			}
			args[i] = v
		}
		switch n.Name {
		case "success":
			return boolString(ctx.Success()), nil
		case "always":
			return "true", nil
		case "startsWith":
			return boolString(strings.HasPrefix(args[0], args[1])), nil
		}
		return ctx.Call(n.Name, args)
	}
	return "", fmt.Errorf("unsupported expression %T", e)
}

type templatePart struct {
	text string
	expr Expr
}

// Template is a string with embedded ${{ expr }} segments, parsed once.
type Template struct {
	raw   string
	parts []templatePart
}

// ParseTemplate splits raw into literal text and parsed expressions.
func ParseTemplate(raw string) (Template, error) {
	t := Template{raw: raw}
	rest := raw
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			if rest != "" {
				t.parts = append(t.parts, templatePart{text: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.parts = append(t.parts, templatePart{text: rest[:start]})
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return Template{}, fmt.Errorf("%w: unterminated ${{ in %q", ErrSyntax, raw)
		}
		e, err := parseExpr(rest[start+3 : start+end])
		if err != nil {
			return Template{}, err
		}
		t.parts = append(t.parts, templatePart{expr: e})
		rest = rest[start+end+2:]
	}
}

// MustTemplate is ParseTemplate for constants; it panics on error.
func MustTemplate(raw string) Template {
	t, err := ParseTemplate(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Raw returns the template source.
func (t Template) Raw() string { return t.raw }

// IsZero reports whether the template is empty.
func (t Template) IsZero() bool { return t.raw == "" }

// Exprs returns the embedded expressions in order.
func (t Template) Exprs() []Expr {
	var out []Expr
	for _, p := range t.parts {
		if p.expr != nil {
			out = append(out, p.expr)
		}
	}
	return out
}

// Render evaluates the template against ctx.
func (t Template) Render(ctx Context) (string, error) {
	var sb strings.Builder
	for _, p := range t.parts {
		if p.expr == nil {
			sb.WriteString(p.text)
			continue
		}
		v, err := Eval(p.expr, ctx)
		if err != nil {
			return "", err
		}
		sb.WriteString(v)
	}
	return sb.String(), nil
}

// SecretName reports whether the template is exactly one secrets.NAME
// reference, surrounding whitespace aside.
func (t Template) SecretName() (string, bool) {
	var name string
	found := false
	for _, p := range t.parts {
		if p.expr == nil {
			if strings.TrimSpace(p.text) != "" {
				return "", false
			}
			continue
		}
		v, ok := p.expr.(Var)
		if !ok || found || len(v.Path) != 2 || v.Path[0] != "secrets" {
			return "", false
		}
		name, found = v.Path[1], true
	}
	return name, found
}

func (t Template) String() string { return t.raw }

// Condition is a parsed if: expression. The zero value means success().
type Condition struct {
	raw  string
	expr Expr
}

// ParseCondition parses an if: expression. A surrounding ${{ }} is optional.
func ParseCondition(raw string) (Condition, error) {
	src := strings.TrimSpace(raw)
	if src == "" {
		return Condition{}, nil
	}
	if strings.HasPrefix(src, "${{") && strings.HasSuffix(src, "}}") {
		src = strings.TrimSpace(src[3 : len(src)-2])
	}
	e, err := parseExpr(src)
	if err != nil {
		return Condition{}, err
	}
	return Condition{raw: raw, expr: e}, nil
}

// MustCondition is ParseCondition for constants; it panics on error.
func MustCondition(raw string) Condition {
	c, err := ParseCondition(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// IsZero reports whether no condition was declared.
func (c Condition) IsZero() bool { return c.expr == nil }

func (c Condition) String() string {
	if c.expr == nil {
		return "success()"
	}
	return c.raw
}

// UsesAlways reports whether the condition calls always().
func (c Condition) UsesAlways() bool {
	found := false
	walk(c.expr, func(e Expr) {
		if call, ok := e.(Call); ok && call.Name == "always" {
			found = true
		}
	})
	return found
}

// Eval evaluates the condition. Expressions that call neither success() nor
// always() are implicitly conjoined with success().
func (c Condition) Eval(ctx Context) (bool, error) {
	if c.expr == nil {
		return ctx.Success(), nil
	}
	v, err := Eval(c.expr, ctx)
	if err != nil {
		return false, err
	}
	if !c.usesStatusFunc() && !ctx.Success() {
		return false, nil
	}
	return truthy(v), nil
}

func (c Condition) usesStatusFunc() bool {
	found := false
	walk(c.expr, func(e Expr) {
		if call, ok := e.(Call); ok && (call.Name == "always" || call.Name == "success") {
			found = true
		}
	})
	return found
}

func walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch n := e.(type) {
	case Not:
		walk(n.X, fn)
	case Binary:
		walk(n.Left, fn)
		walk(n.Right, fn)
	case Call:
		for _, a := range n.Args {
			walk(a, fn)
		}
	}
}
