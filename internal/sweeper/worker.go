package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
)

type RefundSweepArgs struct{}

func (RefundSweepArgs) Kind() string { return "refund_unviewed_responses" }

// Runner is what the worker drives; *Sweeper satisfies it.
type Runner interface {
	Run(ctx context.Context) (int, error)
}

type Worker struct {
	river.WorkerDefaults[RefundSweepArgs]
	runner Runner
}

func NewWorker(r Runner) *Worker {
	return &Worker{runner: r}
}

func (w *Worker) Work(ctx context.Context, _ *river.Job[RefundSweepArgs]) error {
	if _, err := w.runner.Run(ctx); err != nil {
		return fmt.Errorf("refund sweep: %w", err)
	}
	return nil
}

func (w *Worker) Timeout(*river.Job[RefundSweepArgs]) time.Duration {
	return 10 * time.Minute
}

// PeriodicJob schedules the sweep every interval, or on the standard cron expression
// schedule when one is given.
func PeriodicJob(interval time.Duration, schedule string) (*river.PeriodicJob, error) {
	var sched river.PeriodicSchedule = river.PeriodicInterval(interval)
	if schedule != "" {
		cs, err := cron.ParseStandard(schedule)
		if err != nil {
			return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
		}
		sched = cs
	} else if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	return river.NewPeriodicJob(
		sched,
		func() (river.JobArgs, *river.InsertOpts) {
			return RefundSweepArgs{}, &river.InsertOpts{MaxAttempts: 1}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	), nil
}
