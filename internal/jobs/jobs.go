// Package jobs runs the periodic maintenance work: penalty expiry, queue
// purge and reclaim, stuck-mail sweeps and optional retraining.
//
// Every job is guarded against overlapping itself: if a run is still going
// when the schedule fires again, the new run is skipped, not queued.
package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Runner schedules jobs on a shared cron instance.
type Runner struct {
	cron    *cron.Cron
	log     *slog.Logger
	running atomic.Bool
	timeout time.Duration
}

func NewRunner(log *slog.Logger) *Runner {
	return &Runner{
		cron:    cron.New(),
		log:     log,
		timeout: 5 * time.Minute,
	}
}

// Register schedules fn under the given cron spec. Returns an error only
// for an unparseable spec.
func (r *Runner) Register(name, spec string, fn Job) error {
	var busy atomic.Bool
	_, err := r.cron.AddFunc(spec, func() {
		if !busy.CompareAndSwap(false, true) {
			r.log.Warn("job still running, skipping", "job", name)
			return
		}
		defer busy.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			r.log.Error("job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		r.log.Debug("job completed", "job", name, "duration", time.Since(start))
	})
	return err
}

// Start begins scheduling. Idempotent.
func (r *Runner) Start() {
	if r.running.CompareAndSwap(false, true) {
		r.cron.Start()
	}
}

// Stop halts scheduling and waits for in-flight jobs.
func (r *Runner) Stop() {
	if r.running.CompareAndSwap(true, false) {
		<-r.cron.Stop().Done()
	}
}

// Running reports whether the scheduler is live. The async gate requires
// this before trusting the deferred path.
func (r *Runner) Running() bool {
	return r.running.Load()
}
