package cache

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/fentz26/conduit/internal/pipeline"
)

// RunnerOS returns the runner.os value for the current platform.
func RunnerOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	case "linux":
		return "Linux"
	}
	return runtime.GOOS
}

// HashFiles hashes every regular file under root whose slash-separated
// relative path matches one of patterns. Files are visited in path order and
// both path and content feed a BLAKE3 hash. No match yields "".
func HashFiles(root string, patterns []string) (string, error) {
	list, err := pipeline.ParsePatterns(patterns)
	if err != nil {
		return "", err
	}

	var matched []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchesAny(list, rel) {
			matched = append(matched, rel)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hashFiles: %w", err)
	}
	if len(matched) == 0 {
		return "", nil
	}
	sort.Strings(matched)

	h := blake3.New()
	for _, rel := range matched {
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("hashFiles: %w", err)
		}
		io.WriteString(h, rel)
		h.Write([]byte{0})
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hashFiles: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// matchesAny applies include patterns and negations in order; unlike ref
// filters, a list with no include pattern matches nothing.
func matchesAny(list pipeline.PatternList, rel string) bool {
	matched := false
	for _, p := range list {
		if p.Match(rel) {
			matched = !p.Negated()
		}
	}
	return matched
}

// KeyContext evaluates cache key templates. Values is keyed by dotted path
// (workflow, ref, runner.os, env.NAME); hashFiles reads from Workspace.
type KeyContext struct {
	Values    map[string]string
	Workspace string
}

func (c KeyContext) Lookup(path []string) string { return c.Values[strings.Join(path, ".")] }

func (c KeyContext) Call(name string, args []string) (string, error) {
	if name != "hashFiles" {
		return "", fmt.Errorf("function %s not available in cache keys", name)
	}
	return HashFiles(c.Workspace, args)
}

func (c KeyContext) Success() bool { return true }

// RenderKeys renders the primary key and restore keys of spec. Empty
// restore keys are dropped.
func RenderKeys(spec *pipeline.CacheSpec, ctx pipeline.Context) (string, []string, error) {
	key, err := spec.Key.Render(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("rendering cache key: %w", err)
	}
	if key == "" {
		return "", nil, fmt.Errorf("cache key %q rendered empty", spec.Key.Raw())
	}
	var restore []string
	for _, t := range spec.RestoreKeys {
		r, err := t.Render(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("rendering restore key: %w", err)
		}
		if r != "" {
			restore = append(restore, r)
		}
	}
	return key, restore, nil
}
