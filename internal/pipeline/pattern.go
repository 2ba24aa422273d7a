package pipeline

import (
	"fmt"
	"strings"
)

// Pattern is a branch or tag filter. Supported wildcards: '*' matches any
// run of characters except '/', '**' matches anything, '?' matches one
// character except '/'. A leading '!' negates the pattern.
type Pattern struct {
	raw    string
	glob   string
	negate bool
}

// ParsePattern validates a filter pattern.
func ParsePattern(raw string) (Pattern, error) {
	p := Pattern{raw: raw, glob: raw}
	if strings.HasPrefix(raw, "!") {
		p.negate = true
		p.glob = raw[1:]
	}
	if p.glob == "" {
		return Pattern{}, invalidf("empty ref pattern %q", raw)
	}
	if strings.Contains(p.glob, "***") {
		return Pattern{}, invalidf("ref pattern %q: '***' is not a valid wildcard", raw)
	}
	return p, nil
}

// Negated reports whether the pattern excludes matches.
func (p Pattern) Negated() bool { return p.negate }

func (p Pattern) String() string { return p.raw }

// Match reports whether name matches the glob, ignoring negation.
func (p Pattern) Match(name string) bool {
	return globMatch(p.glob, name)
}

// PatternList is an ordered filter list. The last pattern matching a name
// decides; a list made only of negations matches everything not excluded.
type PatternList []Pattern

// ParsePatterns parses raw patterns in order.
func ParsePatterns(raw []string) (PatternList, error) {
	out := make(PatternList, 0, len(raw))
	for i, r := range raw {
		p, err := ParsePattern(r)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether name passes the filter list.
func (l PatternList) Match(name string) bool {
	matched := true
	for _, p := range l {
		if !p.negate {
			matched = false
			break
		}
	}
	for _, p := range l {
		if p.Match(name) {
			matched = !p.negate
		}
	}
	return matched
}

func globMatch(pattern, name string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			if strings.HasPrefix(pattern, "**") {
				rest := strings.TrimLeft(pattern, "*")
				if rest == "" {
					return true
				}
				for i := 0; i <= len(name); i++ {
					if globMatch(rest, name[i:]) {
						return true
					}
				}
				return false
			}
			rest := pattern[1:]
			for i := 0; i <= len(name); i++ {
				if globMatch(rest, name[i:]) {
					return true
				}
				if i < len(name) && name[i] == '/' {
					return false
				}
			}
			return false
		case '?':
			if name == "" || name[0] == '/' {
				return false
			}
			pattern, name = pattern[1:], name[1:]
		default:
			if name == "" || pattern[0] != name[0] {
				return false
			}
			pattern, name = pattern[1:], name[1:]
		}
	}
	return name == ""
}
