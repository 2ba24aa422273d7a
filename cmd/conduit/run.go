package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/store"
)

// Exit codes of the run command.
const (
	exitSucceeded = 0
	exitFailed    = 1
	exitCancelled = 2
)

var runCmd = &cobra.Command{
	Use:   "run <event-file>",
	Short: "Run every pipeline triggered by an event",
	Long: `Reads a JSON event (kind, ref, tag), matches it against the pipelines
directory and runs every triggered pipeline in the foreground.

Exit status is 0 when all runs succeed or nothing matched, 1 when any run
failed and 2 when a run was cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var noArchive bool

func init() {
	runCmd.Flags().String("pipelines", "", "Directory of pipeline definitions")
	runCmd.Flags().String("workspace", "", "Working directory for actions")
	runCmd.Flags().String("db", "", "Path to SQLite database")
	runCmd.Flags().Int("max-parallel-jobs", 0, "Concurrently running jobs per run")
	runCmd.Flags().Duration("job-timeout", 0, "Default job timeout")
	runCmd.Flags().BoolVar(&noArchive, "no-archive", false, "Do not record runs in the database")
}

func readEvent(path string) (models.Event, error) {
	var event models.Event
	data, err := os.ReadFile(path)
	if err != nil {
		return event, fmt.Errorf("reading event: %w", err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &event); err != nil {
		return event, fmt.Errorf("parsing event %s: %w", path, err)
	}
	return event, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	event, err := readEvent(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	if !noArchive || cfg.Cache.Backend == "sqlite" {
		if st, err = store.New(cfg.Database); err != nil {
			return err
		}
	}
	printer := &stepPrinter{w: os.Stdout}
	stk, err := buildStack(ctx, cfg, st, !noArchive, printer.print)
	if err != nil {
		if st != nil {
			st.Close()
		}
		return err
	}
	defer stk.Close()

	runs, err := stk.engine.Handle(ctx, event)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stk.engine.Close(closeCtx)

	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println(mutedStyle.Render("No pipeline matched the event"))
		return nil
	}
	renderSummary(os.Stdout, runs)

	if code := exitCode(runs); code != exitSucceeded {
		return &exitError{code: code}
	}
	return nil
}

// exitCode maps run statuses to the process exit status. Failure outranks
// cancellation.
func exitCode(runs []*models.Run) int {
	code := exitSucceeded
	for _, run := range runs {
		switch run.Status {
		case models.RunFailed:
			return exitFailed
		case models.RunCancelled:
			code = exitCancelled
		}
	}
	return code
}
