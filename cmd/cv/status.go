package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/conveyor/internal/ledger"
	"github.com/zulandar/conveyor/internal/models"
	"golang.org/x/term"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status",
		Long:  "Displays a job's state, progress, outputs and transition history. Use --watch to refresh until the job reaches a terminal state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, args[0], watch, interval)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&watch, "watch", false, "refresh until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval for --watch")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath, id string, watch bool, interval time.Duration) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	redraw := watch && isTerminal(out)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var lastUpdate time.Time
	for {
		job, err := a.ledger.Get(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("job %s not found", id)
		}
		if err != nil {
			return err
		}

		if !job.UpdatedAt.Equal(lastUpdate) {
			lastUpdate = job.UpdatedAt
			transitions, err := a.ledger.Transitions(ctx, id)
			if err != nil {
				return err
			}
			if redraw {
				fmt.Fprint(out, "\033[2J\033[H")
			}
			printJob(out, job)
			printTransitions(out, transitions)
		}

		if !watch || ledger.IsTerminal(job.Status) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printJob(out io.Writer, job *models.Job) {
	fmt.Fprintf(out, "Job:      %s\n", job.ID)
	fmt.Fprintf(out, "Status:   %s\n", job.Status)
	fmt.Fprintf(out, "Input:    %s\n", job.InputRef)
	if job.ChunksTotal > 0 {
		fmt.Fprintf(out, "Chunks:   %d/%d\n", job.ChunksDone, job.ChunksTotal)
	}
	if job.FixAttempts > 0 {
		fmt.Fprintf(out, "Fixes:    %d\n", job.FixAttempts)
	}
	if job.Partial {
		fmt.Fprintln(out, "Partial:  yes")
	}
	fmt.Fprintf(out, "Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:  %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires:  %s\n", job.ExpiresAt.Format(time.RFC3339))
	}
	if je := job.Failure(); je != nil {
		if je.Stage != "" {
			fmt.Fprintf(out, "Error:    %s at %s: %s\n", je.Kind, je.Stage, je.Message)
		} else {
			fmt.Fprintf(out, "Error:    %s: %s\n", je.Kind, je.Message)
		}
	}
	if len(job.OutputRefs) > 0 {
		fmt.Fprintf(out, "Outputs (%d):\n", len(job.OutputRefs))
		for _, ref := range job.OutputRefs {
			fmt.Fprintf(out, "  %s\n", ref)
		}
	}
}

func printTransitions(out io.Writer, transitions []models.JobTransition) {
	if len(transitions) == 0 {
		return
	}
	fmt.Fprintln(out, "\nHistory:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, t := range transitions {
		from := t.FromStatus
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(w, "  %s\t%s -> %s\t%s\n", t.CreatedAt.Format("15:04:05"), from, t.ToStatus, truncate(t.Note, 60))
	}
	w.Flush()
}

func newJobsCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Long:  "Lists unexpired jobs, newest first. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(cmd, configPath, ledger.ListFilters{Status: strings.ToUpper(status), Limit: limit})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list")
	return cmd
}

func runJobs(cmd *cobra.Command, configPath string, filters ledger.ListFilters) error {
	if filters.Status != "" && !ledger.IsStatus(filters.Status) {
		return fmt.Errorf("unknown status %q", filters.Status)
	}

	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	jobs, err := a.ledger.List(cmd.Context(), filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCHUNKS\tFIXES\tUPDATED\tINPUT")
	for _, j := range jobs {
		chunks := "-"
		if j.ChunksTotal > 0 {
			chunks = fmt.Sprintf("%d/%d", j.ChunksDone, j.ChunksTotal)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.Status, chunks, j.FixAttempts, j.UpdatedAt.Format("2006-01-02 15:04"), truncate(j.InputRef, 50))
	}
	w.Flush()
	return nil
}
