package pipeline

import (
	"errors"
	"testing"
)

func TestTemplateRender(t *testing.T) {
	ctx := StaticContext{Values: map[string]string{
		"workflow":  "test",
		"ref":       "main",
		"runner.os": "Linux",
	}}

	tests := []struct {
		raw  string
		want string
	}{
		{"plain", "plain"},
		{"${{ workflow }}-${{ ref }}", "test-main"},
		{"venv-${{runner.os}}-", "venv-Linux-"},
		{"${{ 'it''s' }}", "it's"},
		{"${{ env.MISSING }}x", "x"},
		{"${{ ref == 'main' }}", "true"},
		{"${{ startsWith(ref, 'ma') && workflow != 'release' }}", "true"},
		{"${{ !(ref == 'main') }}", "false"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			tmpl, err := ParseTemplate(tt.raw)
			if err != nil {
				t.Fatalf("ParseTemplate failed: %v", err)
			}
			got, err := tmpl.Render(ctx)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseExpr_SyntaxErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"ref ==",
		"(ref",
		"'open",
		"a && || b",
		"startsWith(ref 'x')",
		"ref = 'x'",
		"a..b",
	} {
		if _, err := parseExpr(src); !errors.Is(err, ErrSyntax) {
			t.Errorf("parseExpr(%q): expected ErrSyntax, got %v", src, err)
		}
	}
}

func TestSecretName(t *testing.T) {
	tests := []struct {
		raw  string
		name string
		ok   bool
	}{
		{"${{ secrets.TOKEN }}", "TOKEN", true},
		{"  ${{ secrets.TOKEN }} ", "TOKEN", true},
		{"x${{ secrets.TOKEN }}", "", false},
		{"${{ secrets.A }}${{ secrets.B }}", "", false},
		{"${{ env.TOKEN }}", "", false},
		{"literal", "", false},
	}
	for _, tt := range tests {
		name, ok := MustTemplate(tt.raw).SecretName()
		if name != tt.name || ok != tt.ok {
			t.Errorf("SecretName(%q) = %q, %v; want %q, %v", tt.raw, name, ok, tt.name, tt.ok)
		}
	}
}

func TestConditionEval(t *testing.T) {
	values := map[string]string{
		"steps.cache.outputs.cache-hit": "true",
		"ref":                           "main",
	}

	tests := []struct {
		cond    string
		success bool
		want    bool
	}{
		{"", true, true},
		{"", false, false},
		{"steps.cache.outputs.cache-hit != 'true'", true, false},
		{"steps.cache.outputs.cache-hit == 'true'", true, true},
		// Without a status function the condition implies success().
		{"steps.cache.outputs.cache-hit == 'true'", false, false},
		{"always()", false, true},
		{"${{ always() && ref == 'main' }}", false, true},
		{"success() || ref == 'main'", false, true},
		{"!success()", false, true},
		{"steps.missing.outputs.x", true, false},
		{"ref", true, true},
	}

	for _, tt := range tests {
		c := MustCondition(tt.cond)
		got, err := c.Eval(StaticContext{Values: values, OK: tt.success})
		if err != nil {
			t.Fatalf("Eval(%q) failed: %v", tt.cond, err)
		}
		if got != tt.want {
			t.Errorf("Eval(%q, success=%v) = %v, want %v", tt.cond, tt.success, got, tt.want)
		}
	}
}

func TestConditionUsesAlways(t *testing.T) {
	if !MustCondition("always() && ref == 'main'").UsesAlways() {
		t.Error("Expected UsesAlways to be true")
	}
	if MustCondition("success()").UsesAlways() {
		t.Error("Expected UsesAlways to be false")
	}
	if (Condition{}).UsesAlways() {
		t.Error("Expected zero condition not to use always()")
	}
}
