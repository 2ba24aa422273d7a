package trigger

import (
	"testing"

	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/pipeline"
)

const testPipeline = `
name: test
on:
  push:
    branches: [main]
  pull_request:
    branches: [main]
jobs:
  tests:
    steps:
      - run: make test
`

const releasePipeline = `
name: release
on:
  push:
    tags: ["v*"]
jobs:
  build:
    steps:
      - run: make build
`

const anyPush = `
name: any
on: push
jobs:
  a:
    steps:
      - run: "true"
`

func mustParse(t *testing.T, src string) *pipeline.Definition {
	t.Helper()
	def, err := pipeline.Parse([]byte(src), pipeline.FormatYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return def
}

func names(results []Result) []string {
	var out []string
	for _, r := range results {
		out = append(out, r.Definition.Name)
	}
	return out
}

func TestMatch(t *testing.T) {
	defs := []*pipeline.Definition{
		mustParse(t, testPipeline),
		mustParse(t, releasePipeline),
		mustParse(t, anyPush),
	}

	tests := []struct {
		name  string
		event models.Event
		want  []string
	}{
		{"push main", models.Event{Kind: models.EventPush, Ref: "main"}, []string{"test", "any"}},
		{"push full ref", models.Event{Kind: models.EventPush, Ref: "refs/heads/main"}, []string{"test", "any"}},
		{"push other branch", models.Event{Kind: models.EventPush, Ref: "dev"}, []string{"any"}},
		{"push tag", models.Event{Kind: models.EventPush, Tag: "v2.3.0"}, []string{"release", "any"}},
		{"push tag ref", models.Event{Kind: models.EventPush, Ref: "refs/tags/v1.0.0"}, []string{"release", "any"}},
		{"push non-version tag", models.Event{Kind: models.EventPush, Tag: "nightly"}, []string{"any"}},
		{"pull request to main", models.Event{Kind: models.EventPullRequest, Ref: "main"}, []string{"test"}},
		{"pull request to dev", models.Event{Kind: models.EventPullRequest, Ref: "dev"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(Match(tt.event, defs))
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestMatch_Binding(t *testing.T) {
	defs := []*pipeline.Definition{mustParse(t, releasePipeline)}
	results := Match(models.Event{Kind: models.EventPush, Ref: "refs/tags/v2.3.0"}, defs)
	if len(results) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(results))
	}
	if results[0].Binding.Ref != "v2.3.0" || results[0].Binding.Tag != "v2.3.0" {
		t.Errorf("Unexpected binding: %+v", results[0].Binding)
	}
}

func TestMatch_PureAndRepeatable(t *testing.T) {
	defs := []*pipeline.Definition{mustParse(t, testPipeline)}
	event := models.Event{Kind: models.EventPush, Ref: "main"}

	first := Match(event, defs)
	second := Match(event, defs)
	if len(first) != 1 || len(second) != 1 || first[0].Definition != second[0].Definition {
		t.Errorf("Expected identical results on repeated calls, got %v and %v", names(first), names(second))
	}
}

func TestMatch_NoDefinitions(t *testing.T) {
	if got := Match(models.Event{Kind: models.EventPush, Ref: "main"}, nil); len(got) != 0 {
		t.Errorf("Expected no matches, got %d", len(got))
	}
}

func TestFires_IgnoreLists(t *testing.T) {
	def := mustParse(t, `
name: ignore
on:
  push:
    branches-ignore: ["dependabot/**"]
jobs:
  a:
    steps:
      - run: "true"
`)
	if !Fires(models.Event{Kind: models.EventPush, Ref: "main"}, def) {
		t.Error("Expected main to fire")
	}
	if Fires(models.Event{Kind: models.EventPush, Ref: "dependabot/npm/x"}, def) {
		t.Error("Expected dependabot branch to be ignored")
	}
	if Fires(models.Event{Kind: models.EventPush, Tag: "v1"}, def) {
		t.Error("Expected branch-only clause to ignore tag pushes")
	}
}
