package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/conduit/internal/models"
)

type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "" {
			*l = stringList{node.Value}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", node.Line)
}

type rawFilter struct {
	Branches       stringList `yaml:"branches"`
	BranchesIgnore stringList `yaml:"branches-ignore"`
	Tags           stringList `yaml:"tags"`
	TagsIgnore     stringList `yaml:"tags-ignore"`
}

type rawTriggers map[string]rawFilter

func (t *rawTriggers) UnmarshalYAML(node *yaml.Node) error {
	out := rawTriggers{}
	switch node.Kind {
	case yaml.ScalarNode:
		out[node.Value] = rawFilter{}
	case yaml.SequenceNode:
		var kinds []string
		if err := node.Decode(&kinds); err != nil {
			return err
		}
		for _, k := range kinds {
			out[k] = rawFilter{}
		}
	case yaml.MappingNode:
		var filters map[string]*rawFilter
		if err := node.Decode(&filters); err != nil {
			return err
		}
		for k, f := range filters {
			if f == nil {
				f = &rawFilter{}
			}
			out[k] = *f
		}
	default:
		return fmt.Errorf("line %d: on: expected event name, list or mapping", node.Line)
	}
	*t = out
	return nil
}

type rawConcurrency struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel-in-progress"`
}

func (c *rawConcurrency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Group = node.Value
		return nil
	}
	type plain rawConcurrency
	return node.Decode((*plain)(c))
}

type rawCache struct {
	Paths       stringList `yaml:"paths"`
	Key         string     `yaml:"key"`
	RestoreKeys stringList `yaml:"restore-keys"`
}

type rawStep struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	If              string            `yaml:"if"`
	Run             string            `yaml:"run"`
	Uses            string            `yaml:"uses"`
	With            map[string]string `yaml:"with"`
	Cache           *rawCache         `yaml:"cache"`
	Env             map[string]string `yaml:"env"`
	Timeout         string            `yaml:"timeout"`
	TimeoutMinutes  int               `yaml:"timeout-minutes"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	BestEffort      bool              `yaml:"best-effort"`
}

type rawJob struct {
	Name           string            `yaml:"name"`
	Needs          stringList        `yaml:"needs"`
	If             string            `yaml:"if"`
	Timeout        string            `yaml:"timeout"`
	TimeoutMinutes int               `yaml:"timeout-minutes"`
	Env            map[string]string `yaml:"env"`
	Steps          []rawStep         `yaml:"steps"`
}

type rawDefinition struct {
	Name        string            `yaml:"name"`
	On          rawTriggers       `yaml:"on"`
	Concurrency *rawConcurrency   `yaml:"concurrency"`
	Env         map[string]string `yaml:"env"`
	Jobs        yaml.Node         `yaml:"jobs"`
}

// Format is the on-disk encoding of a definition.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSONC Format = "jsonc"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSONC
	}
	return FormatYAML
}

// Parse decodes and validates a definition. JSONC input has comments and
// trailing commas stripped first; the result is valid YAML, so both formats
// share one decoder and keep job declaration order.
func Parse(data []byte, format Format) (*Definition, error) {
	raw, err := decode(data, format)
	if err != nil {
		return nil, &DefinitionError{Err: err}
	}
	return compile(raw)
}

func decode(data []byte, format Format) (*rawDefinition, error) {
	if format == FormatJSONC {
		data = jsonc.ToJSON(data)
	}
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &raw, nil
}

// ReadFile reads and parses a definition file. A definition without a name
// is named after the file.
func ReadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	raw, err := decode(data, FormatFromPath(path))
	if err != nil {
		return nil, &DefinitionError{Path: path, Err: err}
	}
	if raw.Name == "" {
		raw.Name = NameFromPath(path)
	}

	def, err := compile(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.Source = path
	return def, nil
}

// Files lists the .yml, .yaml, .json and .jsonc files in dir, sorted by
// name.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yml", ".yaml", ".json", ".jsonc":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// LoadDir reads every definition file in dir. Any invalid file fails the
// whole load; duplicate names are rejected.
func LoadDir(dir string) ([]*Definition, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}

	var defs []*Definition
	seen := make(map[string]string)
	for _, path := range files {
		def, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[def.Name]; dup {
			return nil, &DefinitionError{Pipeline: def.Name, Err: invalidf("name also defined in %s", prev)}
		}
		seen[def.Name] = path
		defs = append(defs, def)
	}
	return defs, nil
}

// NameFromPath strips the directory and extension from a file path.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func compile(raw *rawDefinition) (*Definition, error) {
	def := &Definition{Name: raw.Name, jobIndex: make(map[string]*Job)}
	fail := func(path string, err error) error {
		return &DefinitionError{Pipeline: def.Name, Path: path, Err: err}
	}

	if def.Name == "" {
		return nil, fail("name", invalidf("name is required"))
	}

	if len(raw.On) == 0 {
		return nil, fail("on", invalidf("at least one trigger is required"))
	}
	kinds := make([]string, 0, len(raw.On))
	for k := range raw.On {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		trig, err := compileTrigger(models.EventKind(k), raw.On[k])
		if err != nil {
			return nil, fail("on."+k, err)
		}
		def.Triggers = append(def.Triggers, trig)
	}

	group := DefaultGroupTemplate
	if raw.Concurrency != nil {
		def.Concurrency.CancelInProgress = raw.Concurrency.CancelInProgress
		if raw.Concurrency.Group != "" {
			group = raw.Concurrency.Group
		}
	}
	tmpl, err := compileTemplate(group, scopeGroup, nil)
	if err != nil {
		return nil, fail("concurrency.group", err)
	}
	def.Concurrency.Group = tmpl

	if def.Env, err = compileEnv(raw.Env, scopeEnv, nil); err != nil {
		return nil, fail("env", err)
	}

	if raw.Jobs.Kind != yaml.MappingNode || len(raw.Jobs.Content) == 0 {
		return nil, fail("jobs", invalidf("at least one job is required"))
	}
	for i := 0; i+1 < len(raw.Jobs.Content); i += 2 {
		id := raw.Jobs.Content[i].Value
		var rj rawJob
		if err := raw.Jobs.Content[i+1].Decode(&rj); err != nil {
			return nil, fail("jobs."+id, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
		job, err := compileJob(id, &rj)
		if err != nil {
			var fe *fieldError
			if errors.As(err, &fe) {
				return nil, fail("jobs."+id+fe.path, fe.err)
			}
			return nil, fail("jobs."+id, err)
		}
		def.Jobs = append(def.Jobs, job)
		def.jobIndex[id] = job
	}

	if err := validateNeeds(def); err != nil {
		return nil, fail("jobs", err)
	}
	return def, nil
}

// fieldError carries the path suffix of a job-level failure.
type fieldError struct {
	path string
	err  error
}

func (e *fieldError) Error() string { return e.path + ": " + e.err.Error() }

func (e *fieldError) Unwrap() error { return e.err }

func fieldErr(path string, err error) error { return &fieldError{path: path, err: err} }

func compileTrigger(kind models.EventKind, f rawFilter) (Trigger, error) {
	if !kind.Valid() {
		return Trigger{}, invalidf("unsupported event %q", kind)
	}
	trig := Trigger{Kind: kind}

	branches := append([]string(nil), f.Branches...)
	for _, b := range f.BranchesIgnore {
		branches = append(branches, "!"+b)
	}
	tags := append([]string(nil), f.Tags...)
	for _, t := range f.TagsIgnore {
		tags = append(tags, "!"+t)
	}
	if kind == models.EventPullRequest && len(tags) > 0 {
		return Trigger{}, invalidf("tag filters are not valid for pull_request")
	}

	var err error
	if trig.Branches, err = ParsePatterns(branches); err != nil {
		return Trigger{}, fmt.Errorf("branches%w", err)
	}
	if trig.Tags, err = ParsePatterns(tags); err != nil {
		return Trigger{}, fmt.Errorf("tags%w", err)
	}
	return trig, nil
}

func parseTimeout(duration string, minutes int) (time.Duration, error) {
	switch {
	case duration != "" && minutes != 0:
		return 0, invalidf("timeout and timeout-minutes are mutually exclusive")
	case minutes < 0:
		return 0, invalidf("timeout-minutes must be positive")
	case minutes > 0:
		return time.Duration(minutes) * time.Minute, nil
	case duration != "":
		d, err := time.ParseDuration(duration)
		if err != nil {
			return 0, invalidf("timeout: %v", err)
		}
		if d <= 0 {
			return 0, invalidf("timeout must be positive")
		}
		return d, nil
	}
	return 0, nil
}

func compileJob(id string, rj *rawJob) (*Job, error) {
	job := &Job{ID: id, Name: rj.Name, Needs: rj.Needs}
	if job.Name == "" {
		job.Name = id
	}

	var err error
	if job.Timeout, err = parseTimeout(rj.Timeout, rj.TimeoutMinutes); err != nil {
		return nil, fieldErr(".timeout", err)
	}
	if job.If, err = compileCondition(rj.If, scopeJobIf, nil); err != nil {
		return nil, fieldErr(".if", err)
	}
	if job.Env, err = compileEnv(rj.Env, scopeEnv, nil); err != nil {
		return nil, fieldErr(".env", err)
	}

	if len(rj.Steps) == 0 {
		return nil, fieldErr(".steps", invalidf("at least one step is required"))
	}
	prior := make(map[string]bool)
	for i := range rj.Steps {
		step, err := compileStep(i, &rj.Steps[i], prior)
		if err != nil {
			var fe *fieldError
			if errors.As(err, &fe) {
				return nil, fieldErr(fmt.Sprintf(".steps[%d]%s", i, fe.path), fe.err)
			}
			return nil, fieldErr(fmt.Sprintf(".steps[%d]", i), err)
		}
		if prior[step.ID] {
			return nil, fieldErr(fmt.Sprintf(".steps[%d].id", i), invalidf("duplicate step id %q", step.ID))
		}
		prior[step.ID] = true
		job.Steps = append(job.Steps, step)
	}
	return job, nil
}

func isCacheAction(uses string) bool {
	name, _, _ := strings.Cut(uses, "@")
	return name == "cache" || name == "actions/cache"
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func compileStep(index int, rs *rawStep, prior map[string]bool) (*Step, error) {
	step := &Step{
		ID:         rs.ID,
		Name:       rs.Name,
		BestEffort: rs.ContinueOnError || rs.BestEffort,
	}
	if step.ID == "" {
		step.ID = fmt.Sprintf("step-%d", index+1)
	}

	cache := rs.Cache
	uses := rs.Uses
	if uses != "" && isCacheAction(uses) {
		if cache != nil {
			return nil, fieldErr(".uses", invalidf("cache action and cache block are mutually exclusive"))
		}
		cache = &rawCache{
			Paths:       splitLines(rs.With["path"]),
			Key:         rs.With["key"],
			RestoreKeys: splitLines(rs.With["restore-keys"]),
		}
		uses = ""
	}

	declared := 0
	if rs.Run != "" {
		declared++
		step.Kind = StepRun
	}
	if uses != "" {
		declared++
		step.Kind = StepUses
	}
	if cache != nil {
		declared++
		step.Kind = StepCache
	}
	if declared != 1 {
		return nil, fieldErr("", invalidf("step must declare exactly one of run, uses or cache"))
	}

	var err error
	if step.Timeout, err = parseTimeout(rs.Timeout, rs.TimeoutMinutes); err != nil {
		return nil, fieldErr(".timeout", err)
	}
	if step.If, err = compileCondition(rs.If, scopeStepIf, prior); err != nil {
		return nil, fieldErr(".if", err)
	}
	if step.Env, err = compileEnv(rs.Env, scopeStepSecret, prior); err != nil {
		return nil, fieldErr(".env", err)
	}

	switch step.Kind {
	case StepRun:
		if step.Run, err = compileTemplate(rs.Run, scopeStep, prior); err != nil {
			return nil, fieldErr(".run", err)
		}
	case StepUses:
		step.Uses = uses
		step.With = make(map[string]Template, len(rs.With))
		for k, v := range rs.With {
			if step.With[k], err = compileTemplate(v, scopeStepSecret, prior); err != nil {
				return nil, fieldErr(".with."+k, err)
			}
			if err := checkSecretPlacement(step.With[k]); err != nil {
				return nil, fieldErr(".with."+k, err)
			}
		}
	case StepCache:
		if step.Cache, err = compileCache(cache); err != nil {
			return nil, fieldErr(".cache", err)
		}
	}
	return step, nil
}

func compileCache(rc *rawCache) (*CacheSpec, error) {
	if len(rc.Paths) == 0 {
		return nil, invalidf("paths are required")
	}
	if rc.Key == "" {
		return nil, invalidf("key is required")
	}
	spec := &CacheSpec{Paths: rc.Paths}
	var err error
	if spec.Key, err = compileTemplate(rc.Key, scopeCacheKey, nil); err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	for i, r := range rc.RestoreKeys {
		t, err := compileTemplate(r, scopeCacheKey, nil)
		if err != nil {
			return nil, fmt.Errorf("restore-keys[%d]: %w", i, err)
		}
		spec.RestoreKeys = append(spec.RestoreKeys, t)
	}
	return spec, nil
}

func compileEnv(raw map[string]string, allowed scope, prior map[string]bool) (map[string]Template, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]Template, len(raw))
	for k, v := range raw {
		t, err := compileTemplate(v, allowed, prior)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if allowed&allowSecrets != 0 {
			if err := checkSecretPlacement(t); err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
		}
		out[k] = t
	}
	return out, nil
}

func compileTemplate(raw string, allowed scope, prior map[string]bool) (Template, error) {
	t, err := ParseTemplate(raw)
	if err != nil {
		return Template{}, err
	}
	for _, e := range t.Exprs() {
		if err := checkExpr(e, allowed, prior); err != nil {
			return Template{}, err
		}
	}
	return t, nil
}

func compileCondition(raw string, allowed scope, prior map[string]bool) (Condition, error) {
	c, err := ParseCondition(raw)
	if err != nil {
		return Condition{}, err
	}
	if err := checkExpr(c.expr, allowed, prior); err != nil {
		return Condition{}, err
	}
	return c, nil
}
