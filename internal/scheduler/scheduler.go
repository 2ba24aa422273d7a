package scheduler

import (
	"context"
	"log/slog"
	"sync"
)

// Scheduler hands out run slots under the global and per-pipeline limits.
// Waiters race for a freed slot; ordering between runs of one concurrency
// group is the governor's job.
type Scheduler struct {
	config *Config
	logger *slog.Logger

	mu             sync.Mutex
	active         int
	pipelineCounts map[string]int
	// changed is closed and replaced whenever a slot frees up.
	changed chan struct{}
}

// New creates a new scheduler.
func New(cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:         cfg,
		logger:         logger,
		pipelineCounts: make(map[string]int),
		changed:        make(chan struct{}),
	}
}

// Acquire blocks until a slot for pipeline is free or ctx ends. The returned
// function releases the slot and is safe to call more than once.
func (sch *Scheduler) Acquire(ctx context.Context, pipeline string) (func(), error) {
	waited := false
	for {
		release, changed := sch.tryAcquire(pipeline)
		if release != nil {
			if waited {
				sch.logger.Debug("run slot acquired after wait", "pipeline", pipeline)
			}
			return release, nil
		}

		if !waited {
			sch.logger.Info("waiting for run slot", "pipeline", pipeline)
			waited = true
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-changed:
		}
	}
}

// TryAcquire takes a slot without waiting. ok is false when none is free.
func (sch *Scheduler) TryAcquire(pipeline string) (release func(), ok bool) {
	release, _ = sch.tryAcquire(pipeline)
	return release, release != nil
}

// tryAcquire returns a release func, or the channel to wait on when no slot
// is free.
func (sch *Scheduler) tryAcquire(pipeline string) (func(), <-chan struct{}) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if !sch.hasCapacity(pipeline) {
		return nil, sch.changed
	}
	sch.active++
	sch.pipelineCounts[pipeline]++
	var once sync.Once
	return func() { once.Do(func() { sch.release(pipeline) }) }, nil
}

func (sch *Scheduler) hasCapacity(pipeline string) bool {
	if sch.active >= sch.config.GlobalMax {
		return false
	}
	limit := sch.config.GetPipelineLimit(pipeline)
	return limit == 0 || sch.pipelineCounts[pipeline] < limit
}

func (sch *Scheduler) release(pipeline string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.active--
	sch.pipelineCounts[pipeline]--
	if sch.pipelineCounts[pipeline] <= 0 {
		delete(sch.pipelineCounts, pipeline)
	}
	close(sch.changed)
	sch.changed = make(chan struct{})
}

// Stats is a snapshot of slot usage.
type Stats struct {
	Active         int            `json:"active"`
	GlobalMax      int            `json:"global_max"`
	PipelineCounts map[string]int `json:"pipeline_counts"`
}

// GetStats returns current slot statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	counts := make(map[string]int, len(sch.pipelineCounts))
	for k, v := range sch.pipelineCounts {
		counts[k] = v
	}
	return Stats{
		Active:         sch.active,
		GlobalMax:      sch.config.GlobalMax,
		PipelineCounts: counts,
	}
}
