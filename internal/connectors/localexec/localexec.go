// Package localexec runs actions as local shell commands, with an optional
// command allowlist.
package localexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/conduit/internal/connectors"
	"github.com/fentz26/conduit/internal/secrets"
)

// OutputEnv names the file actions append name=value outputs to.
const OutputEnv = "CONDUIT_OUTPUT"

const defaultOutputLimit = 64 << 10

// Options configures a LocalExec.
type Options struct {
	WorkDir string
	// Shell runs a script as Shell[0] Shell[1:]... script.
	Shell []string
	// Allowlist maps a command to its allowed subcommands; an empty list
	// allows any subcommand. A nil map allows every command.
	Allowlist map[string][]string
	// Actions maps uses: names (without @version) to scripts. Inputs are
	// exposed as INPUT_<NAME> environment variables.
	Actions map[string]string
	// OutputLimit caps captured stdout and stderr; the tail is kept.
	OutputLimit int
}

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	opts Options
}

// New creates a new LocalExec connector.
func New(opts Options) *LocalExec {
	if len(opts.Shell) == 0 {
		opts.Shell = []string{"sh", "-e", "-c"}
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = defaultOutputLimit
	}
	return &LocalExec{opts: opts}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// script returns the shell script an action runs.
func (l *LocalExec) script(action connectors.Action) (string, error) {
	if action.Run != "" {
		return action.Run, nil
	}
	name, _, _ := strings.Cut(action.Uses, "@")
	script, ok := l.opts.Actions[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", connectors.ErrUnknownAction, action.Uses)
	}
	return script, nil
}

// IsAllowed checks every command of the action's script against the
// allowlist.
func (l *LocalExec) IsAllowed(action connectors.Action) bool {
	if l.opts.Allowlist == nil {
		return true
	}
	script, err := l.script(action)
	if err != nil {
		return false
	}
	for _, cmd := range splitCommands(script) {
		fields := strings.Fields(cmd)
		if !l.isAllowed(fields[0], fields[1:]) {
			return false
		}
	}
	return true
}

func (l *LocalExec) isAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.opts.Allowlist[cmd]
	if !ok {
		return false
	}
	if len(allowedSubcmds) == 0 {
		return true
	}
	if len(args) == 0 {
		return false
	}

	// Check if the first arg (subcommand) is allowed
	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// splitCommands breaks a script into simple commands on newlines and the
// shell list operators.
func splitCommands(script string) []string {
	r := strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n")
	var out []string
	for _, line := range strings.Split(r.Replace(script), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Execute runs an action if it is allowed. A non-zero exit code is returned
// in the result. If ctx ends while the command runs, the partial result is
// returned together with ctx.Err().
func (l *LocalExec) Execute(ctx context.Context, action connectors.Action) (*connectors.ExecResult, error) {
	script, err := l.script(action)
	if err != nil {
		return nil, err
	}
	if !l.IsAllowed(action) {
		return nil, fmt.Errorf("%w: %s", connectors.ErrNotAllowed, firstLine(script))
	}

	outFile, err := os.CreateTemp("", "conduit-output-*")
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	args := append(append([]string(nil), l.opts.Shell[1:]...), script)
	execCmd := exec.CommandContext(ctx, l.opts.Shell[0], args...)
	execCmd.Dir = l.opts.WorkDir
	if action.WorkDir != "" {
		execCmd.Dir = action.WorkDir
	}
	execCmd.Env = buildEnv(action, outPath)
	execCmd.WaitDelay = 5 * time.Second

	stdout := newTailBuffer(l.opts.OutputLimit)
	stderr := newTailBuffer(l.opts.OutputLimit)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	err = execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else if ctx.Err() == nil {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	vals := action.Secrets()
	result := &connectors.ExecResult{
		Command:  firstLine(script),
		ExitCode: exitCode,
		Stdout:   secrets.Redact(stdout.String(), vals),
		Stderr:   secrets.Redact(stderr.String(), vals),
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	outputs, err := readOutputs(outPath)
	if err != nil {
		return result, fmt.Errorf("reading outputs: %w", err)
	}
	result.Outputs = outputs
	return result, nil
}

func buildEnv(action connectors.Action, outPath string) []string {
	env := os.Environ()
	add := func(k, v string) { env = append(env, k+"="+v) }

	for _, k := range sortedKeys(action.Env) {
		add(k, action.Env[k])
	}
	for _, k := range sortedKeys(action.With) {
		add(inputEnv(k), action.With[k])
	}
	for k, v := range action.SecretEnv {
		add(k, v.Reveal())
	}
	for k, v := range action.SecretWith {
		add(inputEnv(k), v.Reveal())
	}
	add(OutputEnv, outPath)
	return env
}

func inputEnv(name string) string {
	return "INPUT_" + strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(name))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// readOutputs parses name=value lines; later lines override earlier ones.
func readOutputs(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var outputs map[string]string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		name, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		if outputs == nil {
			outputs = make(map[string]string)
		}
		outputs[strings.TrimSpace(name)] = value
	}
	return outputs, sc.Err()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer { return &tailBuffer{limit: limit} }

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	if b.truncated {
		return "[output truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
