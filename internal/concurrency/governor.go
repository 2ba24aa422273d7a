// Package concurrency implements the concurrency-group registry that decides
// whether a new run proceeds, supersedes the active run of its group, or
// queues behind it.
//
// The registry map has its own short lock; each group has a mutex of its own
// so admissions to unrelated groups never contend. Cancel hooks run under the
// group lock and must not block.
package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fentz26/conduit/internal/pipeline"
)

// Decision is the outcome of an admission.
type Decision int

const (
	Proceed Decision = iota
	Supersede
	Queued
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Supersede:
		return "supersede"
	case Queued:
		return "queued"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// CancelFunc is invoked when a run loses its slot. cause is ErrSuperseded or
// ErrCancelled.
type CancelFunc func(cause error)

// Request asks for a slot in a concurrency group.
type Request struct {
	RunID            string
	Group            string
	CancelInProgress bool
	OnCancel         CancelFunc
}

// Ticket is the result of Admit.
type Ticket struct {
	Decision Decision
	Group    string
	// Previous is the superseded run for Supersede, or the run queued behind
	// for Queued.
	Previous string

	g *Governor
	e *entry
}

// Wait blocks a queued run until it holds the group. It returns immediately
// for Proceed and Supersede. If ctx ends first the run leaves the queue.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.Decision != Queued {
		return nil
	}
	select {
	case <-t.e.promoted:
		return nil
	case <-t.e.dropped:
		return t.e.cause
	case <-ctx.Done():
		// A drop also cancels ctx; its cause wins.
		select {
		case <-t.e.dropped:
			return t.e.cause
		default:
		}
		t.g.Release(t.e.runID)
		return context.Cause(ctx)
	}
}

type entry struct {
	runID    string
	onCancel CancelFunc
	promoted chan struct{}
	dropped  chan struct{}
	cause    error
}

func (e *entry) cancel(cause error) {
	if e.onCancel != nil {
		e.onCancel(cause)
	}
}

type group struct {
	mu     sync.Mutex
	key    string
	active *entry
	queue  []*entry
	dead   bool
}

// Governor is the group registry. The zero value is not usable; use New.
type Governor struct {
	mu     sync.Mutex
	groups map[string]*group
	runs   map[string]*group
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		groups: make(map[string]*group),
		runs:   make(map[string]*group),
		logger: logger,
	}
}

// GroupKey renders the concurrency group of def for a normalized ref.
func GroupKey(def *pipeline.Definition, ref string) (string, error) {
	tmpl := def.Concurrency.Group
	if tmpl.IsZero() {
		tmpl = pipeline.MustTemplate(pipeline.DefaultGroupTemplate)
	}
	key, err := tmpl.Render(pipeline.StaticContext{Values: map[string]string{
		"workflow": def.Name,
		"ref":      ref,
	}})
	if err != nil {
		return "", fmt.Errorf("rendering concurrency group: %w", err)
	}
	return key, nil
}

// lockGroup returns the live group for key with its mutex held.
func (g *Governor) lockGroup(key string) *group {
	for {
		g.mu.Lock()
		grp, ok := g.groups[key]
		if !ok {
			grp = &group{key: key}
			g.groups[key] = grp
		}
		g.mu.Unlock()

		grp.mu.Lock()
		if !grp.dead {
			return grp
		}
		grp.mu.Unlock()
	}
}

// Admit registers a run in its group.
func (g *Governor) Admit(req Request) (*Ticket, error) {
	grp := g.lockGroup(req.Group)
	defer grp.mu.Unlock()

	g.mu.Lock()
	if _, dup := g.runs[req.RunID]; dup {
		g.mu.Unlock()
		g.gc(grp)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRun, req.RunID)
	}
	g.runs[req.RunID] = grp
	g.mu.Unlock()

	e := &entry{
		runID:    req.RunID,
		onCancel: req.OnCancel,
		promoted: make(chan struct{}),
		dropped:  make(chan struct{}),
	}

	t := &Ticket{Group: req.Group, g: g, e: e}
	switch {
	case grp.active == nil:
		grp.active = e
		t.Decision = Proceed
	case req.CancelInProgress:
		prev := grp.active
		prev.cancel(ErrSuperseded)
		g.untrack(prev.runID)
		for _, q := range grp.queue {
			g.drop(q, ErrSuperseded)
		}
		grp.queue = nil
		grp.active = e
		t.Decision = Supersede
		t.Previous = prev.runID
		g.logger.Info("run superseded", "group", req.Group, "previous", prev.runID, "run", req.RunID)
	default:
		last := grp.active
		if n := len(grp.queue); n > 0 {
			last = grp.queue[n-1]
		}
		grp.queue = append(grp.queue, e)
		t.Decision = Queued
		t.Previous = last.runID
		g.logger.Info("run queued", "group", req.Group, "run", req.RunID, "behind", last.runID, "position", len(grp.queue))
	}
	return t, nil
}

// Release frees the slot held by runID and promotes the next queued run. A
// queued run is removed from its queue. Releasing a superseded run is a no-op.
func (g *Governor) Release(runID string) {
	g.mu.Lock()
	grp, ok := g.runs[runID]
	g.mu.Unlock()
	if !ok {
		return
	}

	grp.mu.Lock()
	defer grp.mu.Unlock()

	if grp.active != nil && grp.active.runID == runID {
		grp.active = nil
		if len(grp.queue) > 0 {
			next := grp.queue[0]
			grp.queue = grp.queue[1:]
			grp.active = next
			close(next.promoted)
			g.logger.Info("queued run promoted", "group", grp.key, "run", next.runID)
		}
	} else {
		grp.queue = removeEntry(grp.queue, runID)
	}
	g.untrack(runID)
	g.gc(grp)
}

// Cancel cancels an active or queued run. An active run keeps its slot until
// it is released; a queued run leaves the queue at once.
func (g *Governor) Cancel(runID string) error {
	g.mu.Lock()
	grp, ok := g.runs[runID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	grp.mu.Lock()
	defer grp.mu.Unlock()

	if grp.active != nil && grp.active.runID == runID {
		grp.active.cancel(ErrCancelled)
		g.logger.Info("active run cancelled", "group", grp.key, "run", runID)
		return nil
	}
	for _, q := range grp.queue {
		if q.runID == runID {
			g.drop(q, ErrCancelled)
			grp.queue = removeEntry(grp.queue, runID)
			g.untrack(runID)
			g.gc(grp)
			g.logger.Info("queued run cancelled", "group", grp.key, "run", runID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
}

// Holder returns the run currently holding group.
func (g *Governor) Holder(key string) (string, bool) {
	g.mu.Lock()
	grp, ok := g.groups[key]
	g.mu.Unlock()
	if !ok {
		return "", false
	}
	grp.mu.Lock()
	defer grp.mu.Unlock()
	if grp.active == nil {
		return "", false
	}
	return grp.active.runID, true
}

// Queue returns the run ids waiting on group, oldest first.
func (g *Governor) Queue(key string) []string {
	g.mu.Lock()
	grp, ok := g.groups[key]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	grp.mu.Lock()
	defer grp.mu.Unlock()
	out := make([]string, len(grp.queue))
	for i, q := range grp.queue {
		out[i] = q.runID
	}
	return out
}

// drop removes a queued entry; the caller holds the group lock.
func (g *Governor) drop(e *entry, cause error) {
	e.cause = cause
	close(e.dropped)
	e.cancel(cause)
	g.untrack(e.runID)
}

func (g *Governor) untrack(runID string) {
	g.mu.Lock()
	delete(g.runs, runID)
	g.mu.Unlock()
}

// gc retires an idle group; the caller holds the group lock.
func (g *Governor) gc(grp *group) {
	if grp.active != nil || len(grp.queue) > 0 {
		return
	}
	g.mu.Lock()
	if g.groups[grp.key] == grp {
		delete(g.groups, grp.key)
	}
	g.mu.Unlock()
	grp.dead = true
}

func removeEntry(queue []*entry, runID string) []*entry {
	out := queue[:0]
	for _, q := range queue {
		if q.runID != runID {
			out = append(out, q)
		}
	}
	return out
}
