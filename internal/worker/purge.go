package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/conveyor/internal/ledger"
)

// Purger deletes expired jobs.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

var _ Purger = (*ledger.Ledger)(nil)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// StartPurge schedules p.PurgeExpired on schedule. The scheduler stops when
// ctx is cancelled; the returned channel closes once a running purge has
// finished.
func StartPurge(ctx context.Context, p Purger, schedule string, log *slog.Logger) (<-chan struct{}, error) {
	if log == nil {
		log = slog.Default()
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("worker: purge schedule %q: %w", schedule, err)
	}

	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(sched, cron.FuncJob(func() { purgeOnce(ctx, p, log) }))
	c.Start()
	log.Info("worker.purge.scheduled", "schedule", schedule, "next", sched.Next(time.Now()).Format(time.RFC3339))

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(done)
	}()
	return done, nil
}

func purgeOnce(ctx context.Context, p Purger, log *slog.Logger) {
	start := time.Now()
	n, err := p.PurgeExpired(ctx)
	if err != nil {
		log.Error("worker.purge", "error", err)
		return
	}
	log.Info("worker.purge", "jobs", n, "duration", time.Since(start).Round(time.Millisecond))
}

// NextPurge returns when schedule next fires after now.
func NextPurge(schedule string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("worker: purge schedule %q: %w", schedule, err)
	}
	return sched.Next(now), nil
}
