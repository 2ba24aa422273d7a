// Package engine wires event matching, concurrency admission and job
// execution into the lifecycle of a run: an event comes in, every pipeline
// it triggers gets a run, each run is admitted to its concurrency group,
// waits for a run slot, executes and is archived.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/conduit/internal/audit"
	"github.com/fentz26/conduit/internal/concurrency"
	"github.com/fentz26/conduit/internal/executor"
	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/pipeline"
	"github.com/fentz26/conduit/internal/scheduler"
	"github.com/fentz26/conduit/internal/trigger"
)

// Archive persists runs. *store.Store implements it.
type Archive interface {
	CreateRun(run *models.Run) error
	UpdateRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
}

// Options configures an Engine.
type Options struct {
	Definitions []*pipeline.Definition
	Executor    *executor.Executor
	// Governor defaults to an empty registry.
	Governor *concurrency.Governor
	// Slots defaults to the scheduler's default limits.
	Slots *scheduler.Scheduler
	// Archive is optional; without it finished runs are only returned.
	Archive Archive
	Audit   *audit.PDRWriter
	Logger  *slog.Logger
}

// Engine runs pipelines in response to events.
type Engine struct {
	defs     []*pipeline.Definition
	byName   map[string]*pipeline.Definition
	exec     *executor.Executor
	governor *concurrency.Governor
	slots    *scheduler.Scheduler
	archive  Archive
	pdr      *audit.PDRWriter
	logger   *slog.Logger

	ctx      context.Context
	shutdown context.CancelCauseFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	live   map[string]*liveRun
	closed bool
}

// liveRun tracks a run between admission and archive. header is a copy of
// the run without job outcomes; header and finishing are guarded by
// Engine.mu.
type liveRun struct {
	header    models.Run
	finishing bool
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

// Submission is a run accepted by Submit. Run must not be read before Done
// is closed.
type Submission struct {
	Run  *models.Run
	Done <-chan struct{}
}

// New creates an engine over already validated definitions.
func New(opts Options) (*Engine, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("engine: executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Governor == nil {
		opts.Governor = concurrency.New(opts.Logger)
	}
	if opts.Slots == nil {
		opts.Slots = scheduler.New(nil, opts.Logger)
	}

	byName := make(map[string]*pipeline.Definition, len(opts.Definitions))
	for _, def := range opts.Definitions {
		if _, dup := byName[def.Name]; dup {
			return nil, &pipeline.DefinitionError{Pipeline: def.Name, Err: fmt.Errorf("%w: duplicate pipeline name", pipeline.ErrInvalid)}
		}
		byName[def.Name] = def
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Engine{
		defs:     opts.Definitions,
		byName:   byName,
		exec:     opts.Executor,
		governor: opts.Governor,
		slots:    opts.Slots,
		archive:  opts.Archive,
		pdr:      opts.Audit,
		logger:   opts.Logger,
		ctx:      ctx,
		shutdown: cancel,
		live:     make(map[string]*liveRun),
	}, nil
}

// Definitions returns the loaded pipeline definitions.
func (e *Engine) Definitions() []*pipeline.Definition {
	return e.defs
}

// Definition returns the definition with the given name.
func (e *Engine) Definition(name string) (*pipeline.Definition, bool) {
	def, ok := e.byName[name]
	return def, ok
}

// Submit matches event against the definitions and admits one run per match.
// Admission happens before Submit returns, so events submitted in order are
// admitted in order; execution continues in the background. No match yields
// an empty slice.
func (e *Engine) Submit(event models.Event) ([]Submission, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	matches := trigger.Match(event, e.defs)
	if len(matches) == 0 {
		e.logger.Info("event matched no pipeline", "kind", event.Kind, "ref", event.NormalizedRef())
		return nil, nil
	}

	var subs []Submission
	for _, m := range matches {
		sub, err := e.admit(event, m)
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Handle submits event and waits for every resulting run to finish. If ctx
// ends first the runs are cancelled and still awaited.
func (e *Engine) Handle(ctx context.Context, event models.Event) ([]*models.Run, error) {
	subs, err := e.Submit(event)
	if err != nil {
		return nil, err
	}
	runs := make([]*models.Run, 0, len(subs))
	for _, sub := range subs {
		select {
		case <-sub.Done:
		case <-ctx.Done():
			for _, s := range subs {
				e.Cancel(s.Run.ID)
			}
			<-sub.Done
		}
		runs = append(runs, sub.Run)
	}
	return runs, nil
}

func (e *Engine) admit(event models.Event, m trigger.Result) (Submission, error) {
	def := m.Definition
	group, err := concurrency.GroupKey(def, m.Binding.Ref)
	if err != nil {
		return Submission{}, err
	}

	run := &models.Run{
		ID:        uuid.New().String(),
		Pipeline:  def.Name,
		Ref:       m.Binding.Ref,
		Group:     group,
		Event:     event,
		Status:    models.RunPending,
		CreatedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Submission{}, ErrClosed
	}
	runCtx, cancel := context.WithCancelCause(e.ctx)
	lr := &liveRun{header: *run, cancel: cancel, done: make(chan struct{})}
	e.live[run.ID] = lr
	e.wg.Add(1)
	e.mu.Unlock()

	if e.archive != nil {
		if err := e.archive.CreateRun(run); err != nil {
			e.logger.Error("archiving new run failed", "run", run.ID, "error", err)
		}
	}

	ticket, err := e.governor.Admit(concurrency.Request{
		RunID:            run.ID,
		Group:            group,
		CancelInProgress: def.Concurrency.CancelInProgress,
		OnCancel:         e.onCancel(lr),
	})
	if err != nil {
		e.forget(run.ID)
		cancel(err)
		e.wg.Done()
		return Submission{}, err
	}

	inputs := map[string]any{"pipeline": def.Name, "event": event, "group": group}
	e.pdr.Record(audit.ActionAdmit, inputs, ticket.Decision.String(), run.ID, "group "+group)
	switch ticket.Decision {
	case concurrency.Supersede:
		e.pdr.Record(audit.ActionSupersede, inputs, string(models.RunCancelled), ticket.Previous, "superseded by "+run.ID)
	case concurrency.Queued:
		e.pdr.Record(audit.ActionQueue, inputs, "queued", run.ID, "behind "+ticket.Previous)
	}
	e.logger.Info("run admitted", "run", run.ID, "pipeline", def.Name, "ref", run.Ref, "group", group, "decision", ticket.Decision)

	go e.execute(runCtx, def, run, ticket, lr)
	return Submission{Run: run, Done: lr.done}, nil
}

func (e *Engine) execute(ctx context.Context, def *pipeline.Definition, run *models.Run, ticket *concurrency.Ticket, lr *liveRun) {
	defer e.wg.Done()
	defer close(lr.done)
	defer e.forget(run.ID)
	defer lr.cancel(nil)
	defer e.governor.Release(run.ID)

	if err := ticket.Wait(ctx); err != nil {
		e.finish(ctx, run, models.RunCancelled, err)
		return
	}
	release, err := e.slots.Acquire(ctx, def.Name)
	if err != nil {
		e.finish(ctx, run, models.RunCancelled, err)
		return
	}
	defer release()

	started := time.Now().UTC()
	run.StartedAt = &started
	run.Status = models.RunRunning
	e.setStatus(run.ID, models.RunRunning, &started)
	if e.archive != nil {
		if err := e.archive.UpdateRun(run); err != nil {
			e.logger.Error("archiving run start failed", "run", run.ID, "error", err)
		}
	}
	e.logger.Info("run started", "run", run.ID, "pipeline", def.Name)

	status := e.exec.Execute(ctx, def, run)
	e.finish(ctx, run, status, context.Cause(ctx))
}

// finish records the terminal status. A run reported cancelled only counts
// as cancelled when the governor cancelled it; any other interruption, such
// as engine shutdown, fails it.
func (e *Engine) finish(ctx context.Context, run *models.Run, status models.RunStatus, cause error) {
	e.mu.Lock()
	if lr, ok := e.live[run.ID]; ok {
		lr.finishing = true
	}
	e.mu.Unlock()

	if status == models.RunCancelled {
		if errors.Is(cause, concurrency.ErrSuperseded) || errors.Is(cause, concurrency.ErrCancelled) {
			run.Reason = cause.Error()
		} else {
			status = models.RunFailed
			run.Reason = "interrupted"
			if cause != nil {
				run.Reason = "interrupted: " + cause.Error()
			}
		}
	}
	if status == models.RunFailed && run.Reason == "" {
		if jobID, step := run.FailedStep(); step != nil {
			run.Reason = fmt.Sprintf("job %s step %s: %s", jobID, step.ID, step.Error)
		} else {
			for _, j := range run.Jobs {
				if j.Status == models.JobFailed {
					run.Reason = fmt.Sprintf("job %s: %s", j.ID, j.Reason)
					break
				}
			}
		}
	}

	ended := time.Now().UTC()
	run.Status = status
	run.EndedAt = &ended

	e.pdr.Record(audit.ActionFinish, map[string]string{"run": run.ID, "status": string(status)}, string(status), run.ID, run.Reason)
	if e.archive != nil {
		if err := e.archive.UpdateRun(run); err != nil {
			e.logger.Error("archiving finished run failed", "run", run.ID, "error", err)
		}
	}

	level := slog.LevelInfo
	if status == models.RunFailed {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "run finished", "run", run.ID, "pipeline", run.Pipeline, "status", status, "reason", run.Reason)
}

// onCancel marks the live run cancelled as soon as the governor cancels it,
// then interrupts its execution.
func (e *Engine) onCancel(lr *liveRun) concurrency.CancelFunc {
	return func(cause error) {
		e.mu.Lock()
		if !lr.finishing {
			lr.header.Status = models.RunCancelled
			lr.header.Reason = cause.Error()
		}
		e.mu.Unlock()
		lr.cancel(cause)
	}
}

// setStatus updates a live header. A cancelled header keeps its status.
func (e *Engine) setStatus(runID string, status models.RunStatus, started *time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lr, ok := e.live[runID]; ok {
		if lr.header.Status != models.RunCancelled {
			lr.header.Status = status
		}
		if started != nil {
			lr.header.StartedAt = started
		}
	}
}

func (e *Engine) forget(runID string) {
	e.mu.Lock()
	delete(e.live, runID)
	e.mu.Unlock()
}

// Cancel cancels an active or queued run.
func (e *Engine) Cancel(runID string) error {
	if err := e.governor.Cancel(runID); err != nil {
		if errors.Is(err, concurrency.ErrUnknownRun) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return err
	}
	e.pdr.Record(audit.ActionCancel, map[string]string{"run": runID}, string(models.RunCancelled), runID, "cancel requested")
	return nil
}

// Get returns a run. Live runs are returned without job outcomes and keep
// their last live status until archived; finished runs come from the
// archive.
func (e *Engine) Get(runID string) (*models.Run, error) {
	e.mu.Lock()
	if lr, ok := e.live[runID]; ok {
		run := lr.header
		e.mu.Unlock()
		return &run, nil
	}
	e.mu.Unlock()

	if e.archive == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	run, err := e.archive.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunNotFound, err)
	}
	return run, nil
}

// GroupState is the occupancy of one concurrency group.
type GroupState struct {
	Key    string   `json:"key"`
	Holder string   `json:"holder,omitempty"`
	Queue  []string `json:"queue"`
}

// Group reports which run holds the concurrency group key and which runs
// wait on it, oldest first.
func (e *Engine) Group(key string) GroupState {
	holder, _ := e.governor.Holder(key)
	queue := e.governor.Queue(key)
	if queue == nil {
		queue = []string{}
	}
	return GroupState{Key: key, Holder: holder, Queue: queue}
}

// Live returns the headers of runs not yet archived.
func (e *Engine) Live() []models.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Run, 0, len(e.live))
	for _, lr := range e.live {
		out = append(out, lr.header)
	}
	return out
}

// Close stops accepting events, interrupts in-flight runs and waits for them
// to be archived or for ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.shutdown(errShutdown)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
