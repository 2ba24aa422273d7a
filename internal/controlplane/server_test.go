package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/conduit/internal/audit"
	"github.com/fentz26/conduit/internal/connectors"
	"github.com/fentz26/conduit/internal/engine"
	"github.com/fentz26/conduit/internal/executor"
	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/pipeline"
	"github.com/fentz26/conduit/internal/store"
)

const buildPipeline = `
name: build
on:
  push:
    branches: [main]
jobs:
  compile:
    steps:
      - run: make
`

const slowPipeline = `
name: slow
on:
  push:
    branches: [slow]
jobs:
  wait:
    steps:
      - run: hang
`

// holdConnector blocks "hang" until release is closed or ctx ends.
type holdConnector struct {
	release chan struct{}
	once    sync.Once
}

func (h *holdConnector) Name() string                     { return "hold" }
func (h *holdConnector) IsAllowed(connectors.Action) bool { return true }

func (h *holdConnector) Execute(ctx context.Context, a connectors.Action) (*connectors.ExecResult, error) {
	if a.Run == "hang" {
		select {
		case <-h.release:
		case <-ctx.Done():
			return &connectors.ExecResult{ExitCode: -1}, ctx.Err()
		}
	}
	return &connectors.ExecResult{Stdout: "ok"}, nil
}

func (h *holdConnector) open() { h.once.Do(func() { close(h.release) }) }

func newTestServer(t *testing.T) (*Server, *store.Store, *holdConnector) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	var defs []*pipeline.Definition
	for _, src := range []string{buildPipeline, slowPipeline} {
		def, err := pipeline.Parse([]byte(src), pipeline.FormatYAML)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		defs = append(defs, def)
	}

	conn := &holdConnector{release: make(chan struct{})}
	e, err := engine.New(engine.Options{
		Definitions: defs,
		Executor:    executor.New(executor.Options{Connector: conn, Workspace: t.TempDir()}),
		Archive:     st,
		Audit:       audit.NewPDRWriter(st),
	})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	t.Cleanup(func() {
		conn.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
		st.Close()
	})

	return NewServer(NewService(e, st), "127.0.0.1:0", nil), st, conn
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func submit(t *testing.T, s *Server, event models.Event) SubmitResponse {
	t.Helper()
	w := do(t, s, http.MethodPost, "/v1/events", event)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp SubmitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func waitStatus(t *testing.T, s *Server, id string, want models.RunStatus) models.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		w := do(t, s, http.MethodGet, "/v1/runs/"+id, nil)
		var run models.Run
		if w.Code == http.StatusOK {
			if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
				t.Fatalf("Failed to decode run: %v", err)
			}
			if run.Status == want {
				return run
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for run %s to be %s (last status %q, code %d)", id, want, run.Status, w.Code)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthEndpoint_OK(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/health", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s, st, _ := newTestServer(t)
	st.Close()

	w := do(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK {
		t.Error("Expected health.OK to be false")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to carry the error")
	}
}

func TestSubmitEvent(t *testing.T) {
	s, _, _ := newTestServer(t)

	resp := submit(t, s, models.Event{Kind: models.EventPush, Ref: "refs/heads/main"})
	if len(resp.Runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(resp.Runs))
	}
	ref := resp.Runs[0]
	if ref.Pipeline != "build" {
		t.Errorf("Expected pipeline 'build', got '%s'", ref.Pipeline)
	}
	if ref.Group != "build-main" {
		t.Errorf("Expected group 'build-main', got '%s'", ref.Group)
	}

	run := waitStatus(t, s, ref.ID, models.RunSucceeded)
	if len(run.Jobs) != 1 || run.Jobs[0].Status != models.JobSucceeded {
		t.Errorf("Expected the compile job to succeed, got %+v", run.Jobs)
	}
}

func TestSubmitEvent_NoMatch(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/events", models.Event{Kind: models.EventPush, Ref: "feature/x"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp SubmitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Runs) != 0 {
		t.Errorf("Expected no runs, got %d", len(resp.Runs))
	}
}

func TestSubmitEvent_BadRequest(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{not json"},
		{"unknown kind", models.Event{Kind: "release", Ref: "main"}},
		{"missing ref", models.Event{Kind: models.EventPush}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/v1/events", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	s, _, _ := newTestServer(t)

	ref := submit(t, s, models.Event{Kind: models.EventPush, Ref: "main"}).Runs[0]
	waitStatus(t, s, ref.ID, models.RunSucceeded)

	w := do(t, s, http.MethodGet, "/v1/runs?pipeline=build&status=succeeded", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var runs []models.Run
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("Failed to decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != ref.ID {
		t.Errorf("Expected run %s, got %+v", ref.ID, runs)
	}

	w = do(t, s, http.MethodGet, "/v1/runs?pipeline=slow", nil)
	runs = nil
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("Failed to decode runs: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("Expected no slow runs, got %d", len(runs))
	}

	w = do(t, s, http.MethodGet, "/v1/runs?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a bad limit, got %d", w.Code)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/runs/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCancelRun(t *testing.T) {
	s, _, _ := newTestServer(t)

	ref := submit(t, s, models.Event{Kind: models.EventPush, Ref: "slow"}).Runs[0]
	waitStatus(t, s, ref.ID, models.RunRunning)

	w := do(t, s, http.MethodPost, "/v1/runs/"+ref.ID+"/cancel", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	waitStatus(t, s, ref.ID, models.RunCancelled)

	w = do(t, s, http.MethodPost, "/v1/runs/unknown/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestRunDecisions(t *testing.T) {
	s, _, _ := newTestServer(t)

	ref := submit(t, s, models.Event{Kind: models.EventPush, Ref: "main"}).Runs[0]
	waitStatus(t, s, ref.ID, models.RunSucceeded)

	w := do(t, s, http.MethodGet, "/v1/runs/"+ref.ID+"/pdr", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var entries []models.PDREntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("Failed to decode entries: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("Expected admit and finish records, got %d", len(entries))
	}
}

func TestListPipelines(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/pipelines", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var infos []PipelineInfo
	if err := json.NewDecoder(w.Body).Decode(&infos); err != nil {
		t.Fatalf("Failed to decode pipelines: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 pipelines, got %d", len(infos))
	}
	if infos[0].Name != "build" || len(infos[0].Jobs) != 1 || infos[0].Jobs[0] != "compile" {
		t.Errorf("Unexpected pipeline info: %+v", infos[0])
	}
	if len(infos[0].Triggers) != 1 || infos[0].Triggers[0] != "push branches=[main]" {
		t.Errorf("Unexpected triggers: %v", infos[0].Triggers)
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/events"},
		{http.MethodPost, "/v1/runs"},
		{http.MethodGet, "/v1/runs/abc/cancel"},
		{http.MethodDelete, "/v1/pipelines"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, nil)
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("Expected status 405, got %d", w.Code)
			}
		})
	}
}

func TestGetPipeline(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/pipelines/slow", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var info PipelineInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode pipeline: %v", err)
	}
	if info.Name != "slow" || info.Group != pipeline.DefaultGroupTemplate {
		t.Errorf("Unexpected pipeline info: %+v", info)
	}

	w = do(t, s, http.MethodGet, "/v1/pipelines/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestGetGroup(t *testing.T) {
	s, _, _ := newTestServer(t)

	ref := submit(t, s, models.Event{Kind: models.EventPush, Ref: "slow"}).Runs[0]
	waitStatus(t, s, ref.ID, models.RunRunning)

	w := do(t, s, http.MethodGet, "/v1/groups/"+ref.Group, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var state engine.GroupState
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
		t.Fatalf("Failed to decode group: %v", err)
	}
	if state.Holder != ref.ID {
		t.Errorf("Expected holder %s, got %q", ref.ID, state.Holder)
	}
	if len(state.Queue) != 0 {
		t.Errorf("Expected empty queue, got %v", state.Queue)
	}
}
