package pipeline

import (
	"errors"
	"testing"
)

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"main", "main", true},
		{"main", "main2", false},
		{"v*", "v2.3.0", true},
		{"v*", "release-v2", false},
		{"v*", "vnext", true},
		{"v*.*.*", "vnext", false},
		{"v*.*.*", "v2.3.0", true},
		{"v*.*.*", "v2.3", false},
		{"feature/*", "feature/login", true},
		{"feature/*", "feature/a/b", false},
		{"feature/**", "feature/a/b", true},
		{"**", "anything/at/all", true},
		{"release-?", "release-1", true},
		{"release-?", "release-10", false},
		{"*", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.name, func(t *testing.T) {
			p, err := ParsePattern(tt.pattern)
			if err != nil {
				t.Fatalf("ParsePattern failed: %v", err)
			}
			if got := p.Match(tt.name); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
			}
		})
	}
}

func TestPatternListMatch(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		ref      string
		want     bool
	}{
		{"empty list matches all", nil, "main", true},
		{"literal", []string{"main"}, "main", true},
		{"literal miss", []string{"main"}, "dev", false},
		{"only negations", []string{"!dev"}, "main", true},
		{"only negations excluded", []string{"!dev"}, "dev", false},
		{"later include wins", []string{"release/**", "!release/old-*", "release/old-keep"}, "release/old-keep", true},
		{"later exclude wins", []string{"release/**", "!release/old-*"}, "release/old-x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := ParsePatterns(tt.patterns)
			if err != nil {
				t.Fatalf("ParsePatterns failed: %v", err)
			}
			if got := list.Match(tt.ref); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.ref, got, tt.want)
			}
		})
	}
}

func TestParsePattern_Invalid(t *testing.T) {
	for _, raw := range []string{"", "!", "a***"} {
		if _, err := ParsePattern(raw); !errors.Is(err, ErrInvalid) {
			t.Errorf("ParsePattern(%q): expected ErrInvalid, got %v", raw, err)
		}
	}
}
