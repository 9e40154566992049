package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pkt.systems/pslog"
)

// Schedule configures the periodic sweep and cleanup jobs. An empty
// schedule disables its job.
type Schedule struct {
	Sweep     string
	Threshold time.Duration
	Cleanup   string
	MaxAge    time.Duration
}

// Scheduler triggers the sweeper on cron schedules. A job that is still
// running when its next tick fires is skipped.
type Scheduler struct {
	sweeper  *Sweeper
	schedule Schedule
}

// NewScheduler validates schedule and returns a scheduler for sweeper.
func NewScheduler(sweeper *Sweeper, schedule Schedule) (*Scheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("scheduler requires a sweeper")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if strings.TrimSpace(schedule.Sweep) != "" {
		if _, err := parser.Parse(schedule.Sweep); err != nil {
			return nil, fmt.Errorf("sweep schedule: %w", err)
		}
		if schedule.Threshold <= 0 {
			return nil, fmt.Errorf("sweep threshold must be positive")
		}
	}
	if strings.TrimSpace(schedule.Cleanup) != "" {
		if _, err := parser.Parse(schedule.Cleanup); err != nil {
			return nil, fmt.Errorf("cleanup schedule: %w", err)
		}
		if schedule.MaxAge <= 0 {
			return nil, fmt.Errorf("cleanup max age must be positive")
		}
	}
	return &Scheduler{sweeper: sweeper, schedule: schedule}, nil
}

// Run starts the jobs and blocks until ctx is done, then waits for running
// jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	clog := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if strings.TrimSpace(s.schedule.Sweep) != "" {
		if _, err := c.AddFunc(s.schedule.Sweep, func() {
			_, _ = s.sweeper.SweepInactive(ctx, s.schedule.Threshold)
		}); err != nil {
			return fmt.Errorf("sweep schedule: %w", err)
		}
	}
	if strings.TrimSpace(s.schedule.Cleanup) != "" {
		if _, err := c.AddFunc(s.schedule.Cleanup, func() {
			_, _ = s.sweeper.Cleanup(ctx, s.schedule.MaxAge)
		}); err != nil {
			return fmt.Errorf("cleanup schedule: %w", err)
		}
	}
	log.Info("scheduler start", "sweep", s.schedule.Sweep, "threshold", s.schedule.Threshold.String(), "cleanup", s.schedule.Cleanup, "max_age", s.schedule.MaxAge.String())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("scheduler stopped")
	return nil
}

// cronLogger adapts pslog to cron.Logger.
type cronLogger struct {
	log pslog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron "+msg, append(keysAndValues, "err", err)...)
}
