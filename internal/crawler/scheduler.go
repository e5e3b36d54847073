package crawler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs a pass every 15 minutes.
const DefaultSchedule = "@every 15m"

// Scheduler triggers crawl passes on a cron schedule. A trigger that fires
// while the previous pass is still running is skipped.
type Scheduler struct {
	cron     *cron.Cron
	schedule string
	logger   *zap.Logger
}

// NewScheduler creates a scheduler. The schedule is a standard five-field
// cron spec or a descriptor such as "@every 15m".
func NewScheduler(schedule string, logger *zap.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cl := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	return &Scheduler{
		cron:     c,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Start runs job on the schedule until ctx is cancelled, then waits for a
// running job to return.
func (s *Scheduler) Start(ctx context.Context, job func(ctx context.Context)) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { job(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule crawl: %w", err)
	}

	s.logger.Info("Starting scheduler", zap.String("schedule", s.schedule))
	s.cron.Start()

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
