// Package jobs runs the periodic background work: the auto-sync cadence
// and the reminder resweep. Work is modeled as named [Job] values executed
// on fixed intervals by a cron [Runner], so cadence wiring stays out of the
// components doing the work.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tdnguyen/datekeeper/internal/model"
	"github.com/tdnguyen/datekeeper/internal/sync"
)

// Job is one unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner executes registered jobs on their intervals. Register with
// [Runner.Add] before calling [Runner.Run].
type Runner struct {
	cron *cron.Cron
	log  *slog.Logger

	// base is the context jobs run under, set by Run.
	base context.Context
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		cron: cron.New(),
		log:  logger,
		base: context.Background(),
	}
}

// Add schedules job every interval. The first run happens one interval
// after [Runner.Run], not immediately; callers wanting an immediate pass
// run the job themselves first.
func (r *Runner) Add(interval time.Duration, job Job) {
	r.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		start := time.Now()
		if err := job.Run(r.base); err != nil {
			r.log.Error("job failed", "job", job.Name(), "error", err)
			return
		}
		r.log.Debug("job finished", "job", job.Name(), "took", time.Since(start))
	}))
	r.log.Info("job scheduled", "job", job.Name(), "interval", interval)
}

// Run starts the schedule and blocks until ctx is cancelled, then waits
// for any running job to finish.
func (r *Runner) Run(ctx context.Context) error {
	r.base = ctx
	r.cron.Start()
	<-ctx.Done()
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// Syncer is implemented by [sync.Engine].
type Syncer interface {
	Sync(ctx context.Context) (sync.Result, error)
}

// SyncJob drives the sync engine on the auto-sync cadence. Skipped
// attempts (offline, in flight) are not failures.
type SyncJob struct {
	engine Syncer
}

// NewSyncJob creates the auto-sync job.
func NewSyncJob(engine Syncer) *SyncJob {
	return &SyncJob{engine: engine}
}

func (j *SyncJob) Name() string { return "auto-sync" }

func (j *SyncJob) Run(ctx context.Context) error {
	_, err := j.engine.Sync(ctx)
	return err
}

// Lister is implemented by [store.Store].
type Lister interface {
	ListActive(ctx context.Context) ([]*model.Event, error)
}

// Rescheduler is implemented by [reminder.Scheduler].
type Rescheduler interface {
	RescheduleAll(ctx context.Context, events []*model.Event)
}

// RescheduleJob resweeps platform reminders for every active event, so
// absolute triggers for non-yearly rules stay fresh and any offset that
// failed to schedule gets retried.
type RescheduleJob struct {
	events    Lister
	scheduler Rescheduler
}

// NewRescheduleJob creates the resweep job.
func NewRescheduleJob(events Lister, scheduler Rescheduler) *RescheduleJob {
	return &RescheduleJob{events: events, scheduler: scheduler}
}

func (j *RescheduleJob) Name() string { return "reminder-resweep" }

func (j *RescheduleJob) Run(ctx context.Context) error {
	events, err := j.events.ListActive(ctx)
	if err != nil {
		return err
	}
	j.scheduler.RescheduleAll(ctx, events)
	return nil
}
