package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/conduit/internal/cache"
	"github.com/fentz26/conduit/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	// Create
	run := &models.Run{
		Pipeline: "test",
		Ref:      "main",
		Group:    "test-main",
		Event:    models.Event{Kind: models.EventPush, Ref: "refs/heads/main"},
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID == "" {
		t.Error("Run ID should not be empty")
	}
	if run.Status != models.RunPending {
		t.Errorf("Expected status pending, got %s", run.Status)
	}

	// Update with outcomes
	started := time.Now().UTC()
	ended := started.Add(2 * time.Second)
	run.Status = models.RunFailed
	run.Reason = "step tests/run failed"
	run.StartedAt = &started
	run.EndedAt = &ended
	run.Jobs = []models.JobOutcome{{
		ID:     "tests",
		Name:   "Run tests",
		Status: models.JobFailed,
		Steps: []models.StepOutcome{
			{ID: "cache", Status: models.StepSucceeded, Cache: &models.CacheEntry{Key: "k", Hit: true, Exact: true}},
			{ID: "run", Status: models.StepFailed, ExitCode: 2, Error: "exit status 2"},
			{ID: "after", Status: models.StepNotRun},
		},
	}}
	if err := s.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	// Get
	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != models.RunFailed {
		t.Errorf("Expected status failed, got %s", got.Status)
	}
	if got.Event.Ref != "refs/heads/main" {
		t.Errorf("Expected event ref refs/heads/main, got %s", got.Event.Ref)
	}
	if len(got.Jobs) != 1 || len(got.Jobs[0].Steps) != 3 {
		t.Fatalf("Expected 1 job with 3 steps, got %+v", got.Jobs)
	}
	if got.Jobs[0].Steps[0].Cache == nil || !got.Jobs[0].Steps[0].Cache.Exact {
		t.Error("Expected cache entry to round-trip")
	}
	if got.StartedAt == nil || got.EndedAt == nil {
		t.Error("Expected timestamps to be set")
	}
	jobID, step := got.FailedStep()
	if jobID != "tests" || step == nil || step.ID != "run" {
		t.Errorf("Expected failed step tests/run, got %s/%v", jobID, step)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateRun(&models.Run{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from UpdateRun, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	base := time.Now().UTC()
	for i, p := range []string{"test", "test", "release"} {
		run := &models.Run{
			Pipeline:  p,
			Ref:       "main",
			Group:     p + "-main",
			Event:     models.Event{Kind: models.EventPush, Ref: "main"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if i == 1 {
			run.Status = models.RunSucceeded
		}
		if err := s.CreateRun(run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	all, err := s.ListRuns(RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(all))
	}
	if all[0].Pipeline != "release" {
		t.Errorf("Expected newest run first, got %s", all[0].Pipeline)
	}

	tests, _ := s.ListRuns(RunFilter{Pipeline: "test"})
	if len(tests) != 2 {
		t.Errorf("Expected 2 test runs, got %d", len(tests))
	}

	succeeded, _ := s.ListRuns(RunFilter{Status: models.RunSucceeded})
	if len(succeeded) != 1 {
		t.Errorf("Expected 1 succeeded run, got %d", len(succeeded))
	}

	limited, _ := s.ListRuns(RunFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("Expected 1 run with limit, got %d", len(limited))
	}
}

func TestMarkInterrupted(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	running := &models.Run{Pipeline: "p", Ref: "main", Group: "p-main", Status: models.RunRunning,
		Event: models.Event{Kind: models.EventPush, Ref: "main"}}
	done := &models.Run{Pipeline: "p", Ref: "main", Group: "p-main", Status: models.RunSucceeded,
		Event: models.Event{Kind: models.EventPush, Ref: "main"}}
	s.CreateRun(running)
	s.CreateRun(done)

	n, err := s.MarkInterrupted("daemon restarted")
	if err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 run updated, got %d", n)
	}
	got, _ := s.GetRun(running.ID)
	if got.Status != models.RunFailed || got.Reason != "daemon restarted" {
		t.Errorf("Expected failed/daemon restarted, got %s/%s", got.Status, got.Reason)
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.WritePDR("run.admit", "hash1", "proceed", "run-1", "group test-main"); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if _, err := s.WritePDR("run.finish", "hash2", "succeeded", "run-1", ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	s.WritePDR("run.admit", "hash3", "proceed", "run-2", "")

	entries, err := s.ListPDR("run-1")
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "run.admit" || entries[1].Action != "run.finish" {
		t.Errorf("Unexpected order: %s, %s", entries[0].Action, entries[1].Action)
	}
}

func TestCacheStore(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	c := s.Cache()
	ctx := context.Background()

	if _, err := c.Get(ctx, "venv-Linux-abc"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Expected cache.ErrNotFound, got %v", err)
	}

	for _, k := range []string{"venv-Linux-abc", "venv-Linux-def", "venv_Linux-x", "other"} {
		if err := c.Put(ctx, k, []byte("blob-"+k)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// Last writer wins.
	if err := c.Put(ctx, "venv-Linux-abc", []byte("newer")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	blob, err := c.Get(ctx, "venv-Linux-abc")
	if err != nil || string(blob) != "newer" {
		t.Errorf("Expected newer blob, got %q (%v)", blob, err)
	}

	infos, err := c.List(ctx, "venv-")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 entries, got %d: %+v", len(infos), infos)
	}

	// '_' must not act as a LIKE wildcard.
	underscored, _ := c.List(ctx, "venv_")
	if len(underscored) != 1 || underscored[0].Key != "venv_Linux-x" {
		t.Errorf("Expected only venv_Linux-x, got %+v", underscored)
	}
	if infos[0].Size != int64(len("newer")) {
		t.Errorf("Expected size %d, got %d", len("newer"), infos[0].Size)
	}

	// The SQLite store plugs into the resolver.
	res := cache.NewResolver(c, nil).Resolve(ctx, "venv-Linux-zzz", []string{"venv-Linux-"})
	if !res.Entry.Hit {
		t.Errorf("Expected restore-key hit, got %+v", res.Entry)
	}
}

func TestCacheStore_ConcurrentPuts(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	c := s.Cache()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.Put(context.Background(), "same", []byte(fmt.Sprintf("v%d", i))); err != nil {
				t.Errorf("Put failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	infos, _ := c.List(context.Background(), "same")
	if len(infos) != 1 {
		t.Errorf("Expected a single entry, got %d", len(infos))
	}
}

func TestDeleteCacheOlderThan(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	c := s.Cache()
	c.Put(context.Background(), "k", []byte("x"))

	n, err := s.DeleteCacheOlderThan(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteCacheOlderThan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 entry evicted, got %d", n)
	}
}
