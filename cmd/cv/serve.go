package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/conveyor/internal/statusapi"
	"github.com/zulandar/conveyor/internal/worker"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noAPI      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Conveyor daemon",
		Long: `Runs the job worker, the read-only status API, the retention purge schedule
and, when inbox.dir is set, the inbox watcher until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, noAPI)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "status API port (default from config)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the status API")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, noAPI bool) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	r, err := a.runner()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if port <= 0 {
		port = a.cfg.Dashboard.Port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTracing(ctx, a)
	if err != nil {
		return err
	}
	defer shutdown()

	g, gctx := errgroup.WithContext(ctx)

	purged, err := worker.StartPurge(gctx, a.ledger, a.cfg.Retention.PurgeSchedule, a.log)
	if err != nil {
		return err
	}

	g.Go(func() error {
		return worker.Run(gctx, worker.Opts{
			Ledger:       a.ledger,
			Processor:    r,
			MaxJobs:      a.cfg.Pipeline.MaxJobs,
			PollInterval: a.cfg.Pipeline.PollInterval,
			Logger:       a.log,
			Out:          out,
		})
	})
	if !noAPI {
		g.Go(func() error {
			return statusapi.Start(gctx, statusapi.StartOpts{
				Ledger: a.ledger,
				Port:   port,
				Out:    out,
				Logger: a.log,
			})
		})
	}
	if a.cfg.Inbox.Dir != "" {
		fmt.Fprintf(out, "Watching inbox %s\n", a.cfg.Inbox.Dir)
		g.Go(func() error {
			return worker.WatchInbox(gctx, worker.InboxOpts{
				Dir:        a.cfg.Inbox.Dir,
				Extensions: a.cfg.Inbox.Extensions,
				Debounce:   a.cfg.Inbox.Debounce,
				Batch:      a.cfg.Inbox.Batch,
				Submitter:  r,
				Logger:     a.log,
			})
		})
	}

	err = g.Wait()
	<-purged
	if ctx.Err() != nil {
		fmt.Fprintln(out, "\nShutting down...")
	}
	return err
}

func newPurgeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired jobs now",
		Long:  "Removes jobs past their retention horizon together with their history and artifact records. Stored objects are left in place.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runPurge(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}

	n, err := a.ledger.PurgeExpired(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Purged %d expired jobs\n", n)

	next, err := worker.NextPurge(a.cfg.Retention.PurgeSchedule, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Next scheduled purge: %s (%s)\n", next.Format(time.RFC3339), a.cfg.Retention.PurgeSchedule)
	return nil
}
