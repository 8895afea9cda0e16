package aggregation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tally-io/tally/internal/reaper"
)

// Scheduler drives background aggregation and cleanup on cron schedules.
// Overlapping fires are harmless: the run lease makes the loser a no-op.
type Scheduler struct {
	cron *cron.Cron
}

// SchedulerConfig holds the cron expressions. Empty schedule disables the
// corresponding job.
type SchedulerConfig struct {
	AggregateSchedule string
	SweepSchedule     string
}

// NewScheduler registers the background jobs. Call Start to begin firing.
func NewScheduler(cfg SchedulerConfig, runner *Runner, sweeper *reaper.Reaper) (*Scheduler, error) {
	c := cron.New()

	if cfg.AggregateSchedule != "" {
		if runner == nil {
			return nil, errors.New("scheduler: aggregate schedule set but runner is nil")
		}
		_, err := c.AddFunc(cfg.AggregateSchedule, func() {
			summary, err := runner.Run(context.Background(), time.Now().UTC())
			switch {
			case errors.Is(err, ErrRunInProgress):
				slog.Info("[Scheduler] Skipped aggregation, previous run still active")
			case err != nil:
				slog.Error("[Scheduler] Scheduled aggregation failed",
					"run_id", summary.RunID, "error", err)
			}
		})
		if err != nil {
			return nil, err
		}
		slog.Info("[Scheduler] Aggregation scheduled", "schedule", cfg.AggregateSchedule)
	}

	if cfg.SweepSchedule != "" {
		if sweeper == nil {
			return nil, errors.New("scheduler: sweep schedule set but sweeper is nil")
		}
		_, err := c.AddFunc(cfg.SweepSchedule, func() {
			if _, err := sweeper.Sweep(context.Background(), time.Now().UTC()); err != nil {
				slog.Error("[Scheduler] Scheduled sweep failed", "error", err)
			}
		})
		if err != nil {
			return nil, err
		}
		slog.Info("[Scheduler] Cleanup sweep scheduled", "schedule", cfg.SweepSchedule)
	}

	return &Scheduler{cron: c}, nil
}

// Start begins firing scheduled jobs in background goroutines.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
