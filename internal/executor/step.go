package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/conduit/internal/cache"
	"github.com/fentz26/conduit/internal/connectors"
	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/pipeline"
	"github.com/fentz26/conduit/internal/secrets"
)

// jobRun is the per-job state threaded through its steps.
type jobRun struct {
	ctx    *evalContext
	env    map[string]string
	saves  []pendingSave
	logger *slog.Logger
}

func (e *Executor) runStep(ctx context.Context, st *runState, jc *jobRun, step *pipeline.Step) models.StepOutcome {
	outcome := models.StepOutcome{ID: step.ID, Name: step.DisplayName(), BestEffort: step.BestEffort}
	logger := jc.logger.With("step", step.ID)

	ok, err := step.If.Eval(jc.ctx)
	if err != nil {
		outcome.Status = models.StepFailed
		outcome.Error = "evaluating step condition: " + err.Error()
		return outcome
	}
	if !ok {
		outcome.Status = models.StepSkipped
		outcome.Reason = fmt.Sprintf("condition %s is false", step.If)
		logger.Info("step skipped", "condition", step.If.String())
		return outcome
	}

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, step.Timeout,
			fmt.Errorf("%w: step %s exceeded %s", ErrTimeoutExceeded, step.ID, step.Timeout))
		defer cancel()
	}

	started := time.Now()
	outcome.StartedAt = &started
	logger.Info("step started", "name", outcome.Name)

	if step.Kind == pipeline.StepCache {
		e.runCacheStep(ctx, st, jc, step, &outcome)
	} else {
		e.runAction(ctx, jc, step, &outcome)
	}

	ended := time.Now()
	outcome.EndedAt = &ended
	switch outcome.Status {
	case models.StepFailed:
		logger.Warn("step failed", "error", outcome.Error, "best_effort", step.BestEffort)
	default:
		logger.Info("step finished", "status", outcome.Status, "duration", ended.Sub(started).Round(time.Millisecond))
	}
	return outcome
}

func (e *Executor) runAction(ctx context.Context, jc *jobRun, step *pipeline.Step, outcome *models.StepOutcome) {
	action, err := e.buildAction(ctx, jc, step)
	if err != nil {
		outcome.Status = models.StepFailed
		outcome.Error = err.Error()
		return
	}
	if step.Kind == pipeline.StepUses {
		outcome.Action = step.Uses
	} else {
		outcome.Action = firstLine(action.Run)
	}

	if e.opts.Connector == nil {
		outcome.Status = models.StepFailed
		outcome.Error = fmt.Sprintf("%v: no action runner configured", ErrActionFailed)
		return
	}
	res, err := e.opts.Connector.Execute(ctx, action)
	if res != nil {
		outcome.ExitCode = res.ExitCode
		outcome.Stdout = res.Stdout
		outcome.Stderr = res.Stderr
	}
	switch {
	case err != nil && ctx.Err() != nil:
		status, cause := interruption(ctx)
		outcome.Status = status
		if status == models.StepFailed {
			outcome.Error = cause.Error()
		} else {
			outcome.Reason = cause.Error()
		}
	case err != nil:
		outcome.Status = models.StepFailed
		outcome.Error = fmt.Errorf("%w: %v", ErrActionFailed, err).Error()
	case res.ExitCode != 0:
		outcome.Status = models.StepFailed
		outcome.Error = fmt.Sprintf("%v: exit code %d", ErrActionFailed, res.ExitCode)
	default:
		outcome.Status = models.StepSucceeded
		outcome.Outputs = res.Outputs
	}
}

// buildAction renders a run or uses step. Secret references resolve through
// the provider into secrets.Value.
func (e *Executor) buildAction(ctx context.Context, jc *jobRun, step *pipeline.Step) (connectors.Action, error) {
	action := connectors.Action{StepID: step.ID, WorkDir: e.opts.Workspace}

	stepEnv, secretEnv, err := e.renderSecretMap(ctx, step.Env, jc.ctx)
	if err != nil {
		return action, fmt.Errorf("env: %w", err)
	}
	action.Env = mergeEnv(jc.env, stepEnv)
	action.SecretEnv = secretEnv

	// Step env is visible to the step's own templates.
	render := jc.ctx.with(stepEnv)
	switch step.Kind {
	case pipeline.StepRun:
		if action.Run, err = step.Run.Render(render); err != nil {
			return action, fmt.Errorf("run: %w", err)
		}
	case pipeline.StepUses:
		action.Uses = step.Uses
		if action.With, action.SecretWith, err = e.renderSecretMap(ctx, step.With, render); err != nil {
			return action, fmt.Errorf("with: %w", err)
		}
	}
	return action, nil
}

func (e *Executor) renderSecretMap(ctx context.Context, in map[string]pipeline.Template, ec pipeline.Context) (map[string]string, map[string]secrets.Value, error) {
	plain := make(map[string]string, len(in))
	var secret map[string]secrets.Value
	for k, t := range in {
		if name, ok := t.SecretName(); ok {
			if e.opts.Secrets == nil {
				return nil, nil, fmt.Errorf("%s: secret %s requested but no secret provider is configured", k, name)
			}
			v, err := e.opts.Secrets.Lookup(ctx, name)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", k, err)
			}
			if secret == nil {
				secret = make(map[string]secrets.Value)
			}
			secret[k] = v
			continue
		}
		v, err := t.Render(ec)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", k, err)
		}
		plain[k] = v
	}
	return plain, secret, nil
}

// Cache step outputs.
const (
	OutputCacheHit        = "cache-hit"
	OutputCacheMatchedKey = "cache-matched-key"
	OutputCachePrimaryKey = "cache-primary-key"
)

// runCacheStep resolves and restores a cache. Store trouble degrades to a
// miss; only a key that cannot be rendered fails the step.
func (e *Executor) runCacheStep(ctx context.Context, st *runState, jc *jobRun, step *pipeline.Step, outcome *models.StepOutcome) {
	kc := cache.KeyContext{Values: jc.ctx.values, Workspace: e.opts.Workspace}
	key, restore, err := cache.RenderKeys(step.Cache, kc)
	if err != nil {
		outcome.Status = models.StepFailed
		outcome.Error = err.Error()
		return
	}
	outcome.Action = "cache " + key

	res := st.session.Resolve(ctx, key, restore)
	entry := res.Entry
	if entry.Hit {
		n, err := cache.Unpack(e.opts.Workspace, res.Blob)
		if err != nil {
			jc.logger.Warn("cache restore failed, treating as miss", "key", entry.MatchedKey, "error", err)
			entry.Hit, entry.Exact, entry.MatchedKey = false, false, ""
		} else {
			jc.logger.Info("cache restored", "key", key, "matched", entry.MatchedKey, "exact", entry.Exact, "files", n)
		}
	}
	outcome.Cache = &entry

	if !entry.Exact && !res.Degraded {
		jc.saves = append(jc.saves, pendingSave{stepID: step.ID, key: key, paths: step.Cache.Paths})
	}
	if res.Degraded {
		outcome.Reason = cache.ErrStoreUnavailable.Error() + ", treated as a miss"
	}

	outcome.Status = models.StepSucceeded
	outcome.Outputs = map[string]string{
		OutputCacheHit:        fmt.Sprint(entry.Exact),
		OutputCacheMatchedKey: entry.MatchedKey,
		OutputCachePrimaryKey: key,
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i] + " ..."
		}
	}
	return s
}
