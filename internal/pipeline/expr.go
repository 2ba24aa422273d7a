package pipeline

import (
	"fmt"
	"strings"
)

// Expr is a node of the expression AST used by ${{ }} templates and if:
// conditions. The concrete types form a closed set.
type Expr interface {
	exprNode()
	String() string
}

// Literal is a quoted string, number or boolean literal.
type Literal struct {
	Value string
}

// Var is a dotted context reference such as steps.cache.outputs.cache-hit.
type Var struct {
	Path []string
}

// Call is a function call. Known functions: success, always, startsWith,
// hashFiles.
type Call struct {
	Name string
	Args []Expr
}

// Not negates its operand's truthiness.
type Not struct {
	X Expr
}

// Binary is a comparison (==, !=) or logical (&&, ||) operation.
type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

func (Literal) exprNode() {}
func (Var) exprNode()     {}
func (Call) exprNode()    {}
func (Not) exprNode()     {}
func (Binary) exprNode()  {}

func (l Literal) String() string { return "'" + strings.ReplaceAll(l.Value, "'", "''") + "'" }
func (v Var) String() string     { return strings.Join(v.Path, ".") }
func (n Not) String() string     { return "!" + n.X.String() }
func (b Binary) String() string  { return b.Left.String() + " " + b.Op + " " + b.Right.String() }

func (c Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Name + "(" + strings.Join(args, ", ") + ")"
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokEq
	tokNe
	tokNot
	tokAnd
	tokOr
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.' || c == '-'
}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case c == '=' && i+1 < len(src) && src[i+1] == '=':
			tokens = append(tokens, token{tokEq, "==", i})
			i += 2
		case c == '!' && i+1 < len(src) && src[i+1] == '=':
			tokens = append(tokens, token{tokNe, "!=", i})
			i += 2
		case c == '!':
			tokens = append(tokens, token{tokNot, "!", i})
			i++
		case c == '&' && i+1 < len(src) && src[i+1] == '&':
			tokens = append(tokens, token{tokAnd, "&&", i})
			i += 2
		case c == '|' && i+1 < len(src) && src[i+1] == '|':
			tokens = append(tokens, token{tokOr, "||", i})
			i += 2
		case c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\'' {
					if i+1 < len(src) && src[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrSyntax, start)
			}
			tokens = append(tokens, token{tokString, sb.String(), start})
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && ((src[i] >= '0' && src[i] <= '9') || src[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokNumber, src[start:i], start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentChar(src[i]) {
				i++
			}
			tokens = append(tokens, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, c, i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(src)})
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
}

// parseExpr parses a complete expression.
func parseExpr(src string) (Expr, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, t.text, t.pos)
	}
	return e, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "||", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "&&", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if k := p.peek().kind; k == tokEq || k == tokNe {
		op := p.next().text
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ')' for '(' at offset %d", ErrSyntax, t.pos)
		}
		return e, nil
	case tokString, tokNumber:
		return Literal{Value: t.text}, nil
	case tokIdent:
		if t.text == "true" || t.text == "false" {
			return Literal{Value: t.text}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		path := strings.Split(t.text, ".")
		for _, seg := range path {
			if seg == "" {
				return nil, fmt.Errorf("%w: malformed reference %q", ErrSyntax, t.text)
			}
		}
		return Var{Path: path}, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, t.text, t.pos)
}

func (p *parser) parseCall(name token) (Expr, error) {
	p.next() // (
	call := Call{Name: name.text}
	if p.peek().kind == tokRParen {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		switch p.next().kind {
		case tokComma:
			continue
		case tokRParen:
			return call, nil
		default:
			return nil, fmt.Errorf("%w: expected ',' or ')' in call to %s", ErrSyntax, name.text)
		}
	}
}

// truthy mirrors the usual CI convention: empty, "false" and "0" are false.
func truthy(s string) bool {
	return s != "" && s != "false" && s != "0"
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
