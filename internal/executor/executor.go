// Package executor runs the jobs of one pipeline run.
//
// Jobs are dispatched in dependency stages: every job of a stage has all of
// its needs in earlier stages, and jobs within a stage run concurrently up
// to a limit. Steps within a job run strictly in order. The first failing
// job aborts the run: in-flight jobs are cancelled and pending jobs are
// skipped unless their condition calls always().
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fentz26/conduit/internal/cache"
	"github.com/fentz26/conduit/internal/connectors"
	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/pipeline"
	"github.com/fentz26/conduit/internal/secrets"
)

// DefaultJobTimeout applies to jobs without a timeout of their own.
const DefaultJobTimeout = 360 * time.Minute

// Options configures an Executor.
type Options struct {
	Connector connectors.Connector
	// Cache resolves cache steps. Nil uses an in-memory store.
	Cache   *cache.Resolver
	Secrets secrets.Provider
	// Workspace is the directory actions run in and cache paths are
	// relative to.
	Workspace         string
	MaxParallelJobs   int
	DefaultJobTimeout time.Duration
	Logger            *slog.Logger
	// OnStep is called after each step outcome is recorded. It may be called
	// from several goroutines at once.
	OnStep func(runID, jobID string, step models.StepOutcome)
}

// Executor drives the job graph of a run.
type Executor struct {
	opts   Options
	logger *slog.Logger
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewResolver(cache.NewMemoryStore(), opts.Logger)
	}
	if opts.MaxParallelJobs < 1 {
		opts.MaxParallelJobs = 1
	}
	if opts.DefaultJobTimeout <= 0 {
		opts.DefaultJobTimeout = DefaultJobTimeout
	}
	return &Executor{opts: opts, logger: opts.Logger}
}

// runState is shared by the jobs of one run.
type runState struct {
	def     *pipeline.Definition
	run     *models.Run
	base    *evalContext
	env     map[string]string
	session *cache.Session
	jobs    map[string]*models.JobOutcome
	// ctx is cancelled with an abortError when a job fails.
	ctx   context.Context
	abort context.CancelCauseFunc
}

// Execute runs def against run and records job and step outcomes in
// run.Jobs. It returns succeeded when no job failed, failed when one did,
// and cancelled when ctx ended first.
func (e *Executor) Execute(ctx context.Context, def *pipeline.Definition, run *models.Run) models.RunStatus {
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	st := &runState{
		def:     def,
		run:     run,
		session: e.opts.Cache.Session(),
		jobs:    make(map[string]*models.JobOutcome, len(def.Jobs)),
		ctx:     runCtx,
		abort:   abort,
	}
	st.base = &evalContext{values: map[string]string{
		"workflow":   def.Name,
		"ref":        run.Event.NormalizedRef(),
		"event.kind": string(run.Event.Kind),
		"runner.os":  cache.RunnerOS(),
	}, success: true}

	run.Jobs = make([]models.JobOutcome, len(def.Jobs))
	for i, job := range def.Jobs {
		run.Jobs[i] = models.JobOutcome{ID: job.ID, Name: job.Name, Status: models.JobPending}
		st.jobs[job.ID] = &run.Jobs[i]
	}

	env, err := renderEnv(def.Env, st.base)
	if err != nil {
		for i := range run.Jobs {
			run.Jobs[i].Status = models.JobFailed
			run.Jobs[i].Reason = "rendering pipeline env: " + err.Error()
		}
		return models.RunFailed
	}
	st.env = env

	for _, stage := range def.Stages() {
		var g errgroup.Group
		g.SetLimit(e.opts.MaxParallelJobs)
		for _, job := range stage {
			job := job
			g.Go(func() error {
				e.runJob(ctx, st, job)
				return nil
			})
		}
		g.Wait()
	}

	failed := false
	for i := range run.Jobs {
		if run.Jobs[i].Status == models.JobFailed {
			failed = true
		}
	}
	switch {
	case failed:
		return models.RunFailed
	case ctx.Err() != nil:
		return models.RunCancelled
	}
	return models.RunSucceeded
}

func (e *Executor) runJob(parent context.Context, st *runState, job *pipeline.Job) {
	out := st.jobs[job.ID]
	logger := e.logger.With("run", st.run.ID, "job", job.ID)

	if parent.Err() != nil {
		out.Status = models.JobCancelled
		out.Reason = "run cancelled before the job started"
		out.Steps = stepsWithStatus(job, models.StepCancelled)
		return
	}

	needsOK := true
	var unmet string
	for _, need := range job.Needs {
		if st.jobs[need].Status != models.JobSucceeded {
			needsOK = false
			unmet = need
			break
		}
	}
	aborted := st.ctx.Err() != nil

	cond := &evalContext{values: st.base.values, success: needsOK && !aborted}
	ok, err := job.If.Eval(cond.with(st.env))
	if err != nil {
		e.finishJobEarly(out, job, models.JobFailed, "evaluating job condition: "+err.Error())
		st.abort(&abortError{job: job.ID})
		return
	}
	if !ok {
		reason := fmt.Sprintf("condition %s is false", job.If)
		switch {
		case aborted && !job.If.UsesAlways():
			reason = context.Cause(st.ctx).Error()
		case !needsOK && !job.If.UsesAlways():
			reason = fmt.Sprintf("needed job %s did not succeed", unmet)
		}
		e.finishJobEarly(out, job, models.JobSkipped, reason)
		logger.Info("job skipped", "reason", reason)
		return
	}

	// always() jobs keep running after another job aborted the run.
	base := st.ctx
	if job.If.UsesAlways() {
		base = parent
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultJobTimeout
	}
	jobCtx, cancel := context.WithTimeoutCause(base, timeout,
		fmt.Errorf("%w: job %s exceeded %s", ErrTimeoutExceeded, job.ID, timeout))
	defer cancel()

	started := time.Now()
	out.StartedAt = &started
	out.Status = models.JobRunning
	logger.Info("job started")

	e.runSteps(jobCtx, st, job, out, logger)

	ended := time.Now()
	out.EndedAt = &ended
	logger.Info("job finished", "status", out.Status, "duration", ended.Sub(started).Round(time.Millisecond))
	if out.Status == models.JobFailed {
		st.abort(&abortError{job: job.ID})
	}
}

func (e *Executor) finishJobEarly(out *models.JobOutcome, job *pipeline.Job, status models.JobStatus, reason string) {
	out.Status = status
	out.Reason = reason
	stepStatus := models.StepSkipped
	if status == models.JobFailed {
		stepStatus = models.StepNotRun
	}
	out.Steps = stepsWithStatus(job, stepStatus)
}

func stepsWithStatus(job *pipeline.Job, status models.StepStatus) []models.StepOutcome {
	steps := make([]models.StepOutcome, len(job.Steps))
	for i, s := range job.Steps {
		steps[i] = models.StepOutcome{ID: s.ID, Name: s.DisplayName(), Status: status, BestEffort: s.BestEffort}
	}
	return steps
}

// pendingSave is a cache write scheduled by a cache step that missed.
type pendingSave struct {
	stepID string
	key    string
	paths  []string
}

func (e *Executor) runSteps(ctx context.Context, st *runState, job *pipeline.Job, out *models.JobOutcome, logger *slog.Logger) {
	jobEnv, err := renderEnv(job.Env, st.base)
	if err != nil {
		out.Status = models.JobFailed
		out.Reason = "rendering job env: " + err.Error()
		out.Steps = stepsWithStatus(job, models.StepNotRun)
		return
	}
	env := mergeEnv(st.env, jobEnv)

	jc := &jobRun{
		ctx:    &evalContext{values: st.base.with(env).values, steps: make(map[string]*models.StepOutcome), success: true},
		env:    env,
		logger: logger,
	}
	out.Steps = make([]models.StepOutcome, 0, len(job.Steps))

	halt := models.StepStatus("")
	for _, step := range job.Steps {
		var outcome models.StepOutcome
		switch {
		case halt != "":
			outcome = models.StepOutcome{ID: step.ID, Name: step.DisplayName(), Status: halt, BestEffort: step.BestEffort}
		case ctx.Err() != nil:
			// Interrupted between steps.
			outcome = interrupted(ctx, step)
		default:
			outcome = e.runStep(ctx, st, jc, step)
		}
		out.Steps = append(out.Steps, outcome)
		jc.ctx.steps[step.ID] = &out.Steps[len(out.Steps)-1]
		e.notify(st.run, job.ID, outcome)

		if halt != "" {
			continue
		}
		switch {
		case outcome.Status == models.StepCancelled:
			halt = models.StepCancelled
			out.Status = models.JobCancelled
			out.Reason = outcome.Reason
		case outcome.Status == models.StepFailed && !step.BestEffort:
			halt = models.StepNotRun
			jc.ctx.success = false
			out.Status = models.JobFailed
			out.Reason = fmt.Sprintf("step %s failed: %s", step.ID, outcome.Error)
		}
	}
	if halt != "" {
		return
	}

	out.Status = models.JobSucceeded
	for _, ps := range jc.saves {
		outcome := e.saveCache(ctx, st, ps, logger)
		out.Steps = append(out.Steps, outcome)
		e.notify(st.run, job.ID, outcome)
	}
}

func (e *Executor) notify(run *models.Run, jobID string, step models.StepOutcome) {
	if e.opts.OnStep != nil {
		e.opts.OnStep(run.ID, jobID, step)
	}
}

// saveCache runs a post-job save. Failures are recorded best-effort and do
// not change the job status.
func (e *Executor) saveCache(ctx context.Context, st *runState, ps pendingSave, logger *slog.Logger) models.StepOutcome {
	started := time.Now()
	outcome := models.StepOutcome{
		ID:         "post-" + ps.stepID,
		Name:       "Post cache " + ps.key,
		BestEffort: true,
		Status:     models.StepSucceeded,
		Cache:      &models.CacheEntry{Key: ps.key},
		StartedAt:  &started,
	}
	if err := st.session.Save(ctx, ps.key, e.opts.Workspace, ps.paths); err != nil {
		logger.Warn("cache save failed", "key", ps.key, "error", err)
		outcome.Status = models.StepFailed
		outcome.Error = err.Error()
	}
	ended := time.Now()
	outcome.EndedAt = &ended
	return outcome
}

// interrupted records a step that never started because ctx ended.
func interrupted(ctx context.Context, step *pipeline.Step) models.StepOutcome {
	status, cause := interruption(ctx)
	outcome := models.StepOutcome{ID: step.ID, Name: step.DisplayName(), Status: status, BestEffort: step.BestEffort}
	if status == models.StepFailed {
		outcome.Error = cause.Error()
	} else {
		outcome.Reason = cause.Error()
	}
	return outcome
}

// interruption classifies why ctx ended: a timeout fails the step, anything
// else cancels it.
func interruption(ctx context.Context) (models.StepStatus, error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrTimeoutExceeded) {
		return models.StepFailed, cause
	}
	return models.StepCancelled, cause
}

func renderEnv(env map[string]pipeline.Template, ctx pipeline.Context) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, t := range env {
		v, err := t.Render(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func mergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}
