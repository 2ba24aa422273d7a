package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/conduit/internal/models"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	primaryColor = lipgloss.Color("#7C3AED")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	reasonStyle = lipgloss.NewStyle().Foreground(errorColor).PaddingLeft(4)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(models.RunSucceeded):
		return lipgloss.NewStyle().Foreground(successColor)
	case string(models.RunFailed):
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	case string(models.RunCancelled):
		return lipgloss.NewStyle().Foreground(warningColor)
	}
	return mutedStyle
}

func statusIcon(status string) string {
	switch status {
	case string(models.RunSucceeded):
		return "✓"
	case string(models.RunFailed):
		return "✗"
	case string(models.RunCancelled):
		return "⊘"
	case string(models.StepSkipped):
		return "-"
	}
	return "·"
}

func styledStatus(status string) string {
	return statusStyle(status).Render(statusIcon(status) + " " + status)
}

// stepPrinter streams step outcomes as they are recorded. Steps of
// concurrent jobs interleave, so each line names its job.
type stepPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *stepPrinter) print(runID, jobID string, step models.StepOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf("%s %s %s", mutedStyle.Render(shortID(runID)), jobID, step.Name)
	if d := stepDuration(step); d > 0 {
		line += mutedStyle.Render(" (" + d.String() + ")")
	}
	fmt.Fprintf(p.w, "%s  %s\n", styledStatus(string(step.Status)), line)
	if step.Status == models.StepFailed && step.Error != "" {
		fmt.Fprintln(p.w, reasonStyle.Render(step.Error))
	}
}

func stepDuration(step models.StepOutcome) time.Duration {
	if step.StartedAt == nil || step.EndedAt == nil {
		return 0
	}
	return step.EndedAt.Sub(*step.StartedAt).Round(time.Millisecond)
}

// renderSummary writes the final status of each run with its jobs.
func renderSummary(w io.Writer, runs []*models.Run) {
	for _, run := range runs {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %s %s\n",
			titleStyle.Render(run.Pipeline),
			mutedStyle.Render(run.Ref+" "+shortID(run.ID)),
			styledStatus(string(run.Status)))
		for _, job := range run.Jobs {
			fmt.Fprintf(w, "  %-20s %s\n", job.ID, styledStatus(string(job.Status)))
			if job.Status != models.JobSucceeded && job.Reason != "" {
				fmt.Fprintln(w, reasonStyle.Render(job.Reason))
			}
		}
		if run.Reason != "" && run.Status != models.RunSucceeded {
			fmt.Fprintln(w, mutedStyle.Render("  reason: ")+run.Reason)
		}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
