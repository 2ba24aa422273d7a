package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fentz26/conduit/internal/pipeline"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestHashFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "uv.lock", "a")
	writeFile(t, root, "pkg/sub/uv.lock", "b")
	writeFile(t, root, "README.md", "c")

	h1, err := HashFiles(root, []string{"uv.lock"})
	if err != nil {
		t.Fatalf("HashFiles failed: %v", err)
	}
	if len(h1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(h1))
	}

	again, _ := HashFiles(root, []string{"uv.lock"})
	if again != h1 {
		t.Error("Expected stable hash for unchanged files")
	}

	all, _ := HashFiles(root, []string{"**/uv.lock", "uv.lock"})
	if all == h1 {
		t.Error("Expected recursive pattern to include nested lockfile")
	}

	excluded, _ := HashFiles(root, []string{"**/uv.lock", "uv.lock", "!pkg/**"})
	if excluded != h1 {
		t.Error("Expected negation to exclude nested lockfile")
	}

	writeFile(t, root, "uv.lock", "changed")
	changed, _ := HashFiles(root, []string{"uv.lock"})
	if changed == h1 {
		t.Error("Expected hash to change with content")
	}

	none, err := HashFiles(root, []string{"*.nothing"})
	if err != nil || none != "" {
		t.Errorf("Expected empty hash for no matches, got %q (%v)", none, err)
	}
}

func TestRenderKeys(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "uv.lock", "deps")
	lockHash, _ := HashFiles(root, []string{"uv.lock"})

	def, err := pipeline.Parse([]byte(`
name: p
on: push
jobs:
  a:
    steps:
      - cache:
          paths: [.venv]
          key: venv-${{ runner.os }}-${{ hashFiles('uv.lock') }}
          restore-keys:
            - venv-${{ runner.os }}-
`), pipeline.FormatYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ctx := KeyContext{Values: map[string]string{"runner.os": "Linux"}, Workspace: root}
	key, restore, err := RenderKeys(def.Jobs[0].Steps[0].Cache, ctx)
	if err != nil {
		t.Fatalf("RenderKeys failed: %v", err)
	}
	if key != "venv-Linux-"+lockHash {
		t.Errorf("Unexpected key %s", key)
	}
	if len(restore) != 1 || restore[0] != "venv-Linux-" {
		t.Errorf("Unexpected restore keys %v", restore)
	}
}
