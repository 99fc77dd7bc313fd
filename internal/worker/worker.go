// Package worker runs the conveyor daemon: it claims PENDING jobs and runs
// them with bounded concurrency, purges expired jobs on a cron schedule and
// turns files dropped into an inbox directory into jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zulandar/conveyor/internal/ledger"
	"github.com/zulandar/conveyor/internal/models"
)

const defaultPollInterval = 5 * time.Second

// Processor runs one claimed job to completion. *pipeline.Runner
// satisfies it.
type Processor interface {
	Process(ctx context.Context, job *models.Job) (*models.Job, error)
}

// Opts configures Run.
type Opts struct {
	Ledger       *ledger.Ledger
	Processor    Processor
	MaxJobs      int
	PollInterval time.Duration
	Logger       *slog.Logger
	Out          io.Writer
}

// Run claims and processes jobs until ctx is cancelled, then waits for
// in-flight jobs to return.
func Run(ctx context.Context, opts Opts) error {
	if opts.Ledger == nil {
		return fmt.Errorf("worker: ledger is required")
	}
	if opts.Processor == nil {
		return fmt.Errorf("worker: processor is required")
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	log := opts.Logger

	fmt.Fprintf(opts.Out, "Worker starting (max %d jobs, poll every %s)...\n", opts.MaxJobs, opts.PollInterval)

	slots := make(chan struct{}, opts.MaxJobs)
	wake := make(chan struct{}, 1)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		fmt.Fprintf(opts.Out, "Worker stopped.\n")
	}()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		claimAvailable(ctx, opts, slots, wake, &wg, log)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// claimAvailable claims PENDING jobs while there are free slots.
func claimAvailable(ctx context.Context, opts Opts, slots chan struct{}, wake chan struct{}, wg *sync.WaitGroup, log *slog.Logger) {
	for ctx.Err() == nil {
		select {
		case slots <- struct{}{}:
		default:
			return
		}
		job, err := opts.Ledger.ClaimPending(ctx)
		if err != nil {
			<-slots
			if !errors.Is(err, ledger.ErrNoPending) && ctx.Err() == nil {
				log.Error("worker.claim", "error", err)
			}
			return
		}

		log.Info("worker.claimed", "job_id", job.ID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				<-slots
				select {
				case wake <- struct{}{}:
				default:
				}
			}()
			final, err := opts.Processor.Process(ctx, job)
			if err != nil {
				log.Error("worker.process", "job_id", job.ID, "error", err)
				return
			}
			log.Info("worker.finished", "job_id", job.ID, "status", final.Status)
		}()
	}
}
