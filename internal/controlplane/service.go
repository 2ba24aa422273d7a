// Package controlplane provides the HTTP API and service layer for the
// Conduit daemon.
package controlplane

import (
	"context"
	"fmt"
	"sort"

	"github.com/fentz26/conduit/internal/engine"
	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/pipeline"
	"github.com/fentz26/conduit/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	engine *engine.Engine
	store  *store.Store
}

// NewService creates a new control plane service. s may be nil, in which
// case only live runs can be listed.
func NewService(e *engine.Engine, s *store.Store) *Service {
	return &Service{engine: e, store: s}
}

// RunRef identifies a run accepted for an event.
type RunRef struct {
	ID       string `json:"id"`
	Pipeline string `json:"pipeline"`
	Ref      string `json:"ref"`
	Group    string `json:"group"`
}

// SubmitEvent starts every pipeline the event triggers. No match yields an
// empty list.
func (s *Service) SubmitEvent(event models.Event) ([]RunRef, error) {
	subs, err := s.engine.Submit(event)
	if err != nil {
		return nil, err
	}
	refs := make([]RunRef, 0, len(subs))
	for _, sub := range subs {
		// These fields are fixed at admission.
		refs = append(refs, RunRef{ID: sub.Run.ID, Pipeline: sub.Run.Pipeline, Ref: sub.Run.Ref, Group: sub.Run.Group})
	}
	return refs, nil
}

// ListRuns returns runs newest first.
func (s *Service) ListRuns(f store.RunFilter) ([]models.Run, error) {
	if s.store != nil {
		return s.store.ListRuns(f)
	}
	var runs []models.Run
	for _, r := range s.engine.Live() {
		if (f.Pipeline == "" || r.Pipeline == f.Pipeline) && (f.Status == "" || r.Status == f.Status) {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs, nil
}

// GetRun retrieves a run by ID.
func (s *Service) GetRun(id string) (*models.Run, error) {
	return s.engine.Get(id)
}

// CancelRun cancels an active or queued run.
func (s *Service) CancelRun(id string) error {
	return s.engine.Cancel(id)
}

// GetPDR returns the decision records of a run.
func (s *Service) GetPDR(runID string) ([]models.PDREntry, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListPDR(runID)
}

// PipelineInfo summarizes a loaded definition.
type PipelineInfo struct {
	Name             string   `json:"name"`
	Source           string   `json:"source,omitempty"`
	Triggers         []string `json:"triggers"`
	Group            string   `json:"group"`
	CancelInProgress bool     `json:"cancel_in_progress"`
	Jobs             []string `json:"jobs"`
}

// Pipelines lists the loaded definitions.
func (s *Service) Pipelines() []PipelineInfo {
	defs := s.engine.Definitions()
	out := make([]PipelineInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, describe(def))
	}
	return out
}

// Pipeline describes one loaded definition.
func (s *Service) Pipeline(name string) (PipelineInfo, error) {
	def, ok := s.engine.Definition(name)
	if !ok {
		return PipelineInfo{}, fmt.Errorf("%w: pipeline %s", ErrNotFound, name)
	}
	return describe(def), nil
}

// Group reports the holder and queue of a concurrency group.
func (s *Service) Group(key string) engine.GroupState {
	return s.engine.Group(key)
}

func describe(def *pipeline.Definition) PipelineInfo {
	info := PipelineInfo{
		Name:             def.Name,
		Source:           def.Source,
		Group:            def.Concurrency.Group.Raw(),
		CancelInProgress: def.Concurrency.CancelInProgress,
	}
	if info.Group == "" {
		info.Group = pipeline.DefaultGroupTemplate
	}
	for _, trig := range def.Triggers {
		info.Triggers = append(info.Triggers, describeTrigger(trig))
	}
	for _, job := range def.Jobs {
		info.Jobs = append(info.Jobs, job.ID)
	}
	return info
}

func describeTrigger(trig pipeline.Trigger) string {
	out := string(trig.Kind)
	if len(trig.Branches) > 0 {
		out += fmt.Sprintf(" branches=%v", trig.Branches)
	}
	if len(trig.Tags) > 0 {
		out += fmt.Sprintf(" tags=%v", trig.Tags)
	}
	return out
}

// Ping checks the archive database.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}
