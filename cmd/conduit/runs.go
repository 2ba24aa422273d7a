package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/conduit/internal/controlplane"
	"github.com/fentz26/conduit/internal/engine"
	"github.com/fentz26/conduit/internal/models"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs on the daemon",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel an active or queued run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

var runsSubmitCmd = &cobra.Command{
	Use:   "submit [event-file]",
	Short: "Submit an event to the daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsSubmit,
}

var (
	runsPipeline string
	runsStatus   string
	runsLimit    int
	showDecision bool
)

func init() {
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsCancelCmd, runsSubmitCmd)

	runsListCmd.Flags().StringVar(&runsPipeline, "pipeline", "", "Filter by pipeline")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status (pending, running, succeeded, failed, cancelled)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs")

	runsShowCmd.Flags().BoolVar(&showDecision, "decisions", false, "Include the run's decision records")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if runsPipeline != "" {
		q.Set("pipeline", runsPipeline)
	}
	if runsStatus != "" {
		q.Set("status", runsStatus)
	}
	q.Set("limit", strconv.Itoa(runsLimit))

	var runs []models.Run
	if err := apiGet("/v1/runs?"+q.Encode(), &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPIPELINE\tREF\tSTATUS\tCREATED\tREASON")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.Pipeline, r.Ref, r.Status,
			r.CreatedAt.Local().Format(time.DateTime), truncate(r.Reason, 50))
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	var run models.Run
	if err := apiGet("/v1/runs/"+url.PathEscape(args[0]), &run); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", run.ID)
	fmt.Printf("Pipeline: %s\n", run.Pipeline)
	fmt.Printf("Event:    %s %s\n", run.Event.Kind, run.Event.NormalizedRef())
	fmt.Printf("Group:    %s\n", run.Group)
	fmt.Printf("Status:   %s\n", styledStatus(string(run.Status)))
	if run.Reason != "" {
		fmt.Printf("Reason:   %s\n", run.Reason)
	}
	if run.Status == models.RunPending {
		var group engine.GroupState
		if err := apiGet("/v1/groups/"+url.PathEscape(run.Group), &group); err == nil {
			for i, id := range group.Queue {
				if id == run.ID {
					fmt.Printf("Queued:   position %d behind %s\n", i+1, shortID(group.Holder))
				}
			}
		}
	}
	fmt.Printf("Created:  %s\n", run.CreatedAt.Local().Format(time.DateTime))
	if run.EndedAt != nil && run.StartedAt != nil {
		fmt.Printf("Duration: %s\n", run.EndedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}

	for _, job := range run.Jobs {
		fmt.Printf("\n%s %s\n", titleStyle.Render(job.ID), styledStatus(string(job.Status)))
		if job.Reason != "" {
			fmt.Println(mutedStyle.Render("  " + job.Reason))
		}
		for _, step := range job.Steps {
			line := "  " + styledStatus(string(step.Status)) + "  " + step.Name
			if step.Cache != nil && step.Cache.Hit {
				line += mutedStyle.Render(" (restored " + step.Cache.MatchedKey + ")")
			}
			fmt.Println(line)
			if step.Error != "" {
				fmt.Println(reasonStyle.Render(step.Error))
			}
		}
	}

	if !showDecision {
		return nil
	}
	var entries []models.PDREntry
	if err := apiGet("/v1/runs/"+url.PathEscape(run.ID)+"/pdr", &entries); err != nil {
		return err
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Action, e.Outcome, truncate(e.Details, 60))
	}
	return w.Flush()
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	if err := apiPost("/v1/runs/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for run %s\n", args[0])
	return nil
}

func runRunsSubmit(cmd *cobra.Command, args []string) error {
	event, err := readEvent(args[0])
	if err != nil {
		return err
	}
	if _, err := CheckHealth(); err != nil {
		return fmt.Errorf("daemon not available at %s: %w", apiAddr, err)
	}

	var resp controlplane.SubmitResponse
	if err := apiPost("/v1/events", event, &resp); err != nil {
		return err
	}
	if len(resp.Runs) == 0 {
		fmt.Println("No pipeline matched the event")
		return nil
	}
	for _, r := range resp.Runs {
		fmt.Printf("Started run %s (%s, group %s)\n", r.ID, r.Pipeline, r.Group)
	}
	return nil
}
