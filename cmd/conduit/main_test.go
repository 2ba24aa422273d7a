package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/fentz26/conduit/internal/config"
	"github.com/fentz26/conduit/internal/models"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		statuses []models.RunStatus
		want     int
	}{
		{"none", nil, exitSucceeded},
		{"all succeeded", []models.RunStatus{models.RunSucceeded, models.RunSucceeded}, exitSucceeded},
		{"one failed", []models.RunStatus{models.RunSucceeded, models.RunFailed}, exitFailed},
		{"cancelled", []models.RunStatus{models.RunCancelled, models.RunSucceeded}, exitCancelled},
		{"failure outranks cancellation", []models.RunStatus{models.RunCancelled, models.RunFailed}, exitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var runs []*models.Run
			for _, s := range tt.statuses {
				runs = append(runs, &models.Run{Status: s})
			}
			if got := exitCode(runs); got != tt.want {
				t.Errorf("Expected exit code %d, got %d", tt.want, got)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("pipelines", "", "")
	fs.String("db", "", "")
	fs.Int("max-parallel-jobs", 0, "")
	fs.Duration("job-timeout", 0, "")
	if err := fs.Parse([]string{"--pipelines", "ci", "--job-timeout", "5m"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	c := config.DefaultConfig()
	applyOverrides(fs, c)

	if c.Pipelines != "ci" {
		t.Errorf("Expected pipelines 'ci', got '%s'", c.Pipelines)
	}
	if c.JobTimeout != 5*time.Minute {
		t.Errorf("Expected job timeout 5m, got %s", c.JobTimeout)
	}
	if c.MaxParallelJobs != config.DefaultConfig().MaxParallelJobs {
		t.Errorf("Expected unset flag to keep %d, got %d", config.DefaultConfig().MaxParallelJobs, c.MaxParallelJobs)
	}
	if c.Database != config.DefaultConfig().Database {
		t.Errorf("Expected unset db to keep the default, got '%s'", c.Database)
	}
}

func TestReadEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	data := `{
  // pushed by the release job
  "kind": "push",
  "ref": "refs/tags/v1.2.0",
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	event, err := readEvent(path)
	if err != nil {
		t.Fatalf("readEvent failed: %v", err)
	}
	if event.Kind != models.EventPush {
		t.Errorf("Expected kind push, got %s", event.Kind)
	}
	if event.TagName() != "v1.2.0" {
		t.Errorf("Expected tag v1.2.0, got %s", event.TagName())
	}
}
