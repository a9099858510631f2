package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of recurring background work.
type Job func(ctx context.Context) error

// Runner schedules jobs on fixed intervals until its context is done.
type Runner struct {
	ctx context.Context
	log *zap.Logger
}

// New creates a runner bound to ctx.
func New(ctx context.Context, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{ctx: ctx, log: log}
}

// Every runs fn on the given interval in its own goroutine. Errors are
// logged and counted; the schedule keeps going.
func (r *Runner) Every(interval time.Duration, name string, fn Job) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-t.C:
				start := time.Now()
				if err := fn(r.ctx); err != nil {
					jobErrors.WithLabelValues(name).Inc()
					r.log.Error("job failed", zap.String("job", name), zap.Error(err))
				}
				jobRuns.WithLabelValues(name).Inc()
				jobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			}
		}
	}()
}
