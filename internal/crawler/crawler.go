package crawler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcong315/channelcrawler/internal/db"
)

// ErrPassRunning is returned when a pass is requested while one is running.
var ErrPassRunning = errors.New("crawl pass already running")

// Locker guards passes across processes.
type Locker interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
}

// StatsReader reports queue statistics.
type StatsReader interface {
	GetStats(ctx context.Context) (db.Stats, error)
}

// ServiceConfig holds the service settings. Lock and Stats are optional.
type ServiceConfig struct {
	Schedule            string
	ProgressLogInterval time.Duration
	Lock                Locker
	Stats               StatsReader
	Metrics             *Metrics
	Logger              *zap.Logger
}

// Service runs crawl passes on a schedule and reports progress while they
// run.
type Service struct {
	engine    *Engine
	scheduler *Scheduler
	cfg       ServiceConfig
	logger    *zap.Logger

	pass sync.Mutex

	mu   sync.RWMutex
	last *Progress
}

// NewService creates a service around engine.
func NewService(engine *Engine, cfg ServiceConfig) (*Service, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ProgressLogInterval <= 0 {
		cfg.ProgressLogInterval = DefaultProgressLogInterval
	}

	scheduler, err := NewScheduler(cfg.Schedule, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		engine:    engine,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    cfg.Logger,
	}, nil
}

// Start runs one pass immediately, then passes on the schedule, until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting crawler service")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.monitor(ctx)
	}()

	s.runScheduled(ctx)
	err := s.scheduler.Start(ctx, s.runScheduled)

	wg.Wait()
	s.logger.Info("Crawler service shutdown complete")
	return err
}

func (s *Service) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunPass(ctx); err != nil && !errors.Is(err, ErrPassRunning) {
		s.logger.Error("Crawl pass failed", zap.Error(err))
	}
}

// RunPass runs a single pass, under the cross-process lock when one is
// configured. It returns ErrPassRunning when a pass is already in progress in
// this process.
func (s *Service) RunPass(ctx context.Context) (Progress, error) {
	if !s.pass.TryLock() {
		return Progress{}, ErrPassRunning
	}
	defer s.pass.Unlock()

	var progress Progress
	run := func(ctx context.Context) error {
		var err error
		progress, err = s.engine.Run(ctx)
		s.mu.Lock()
		s.last = &progress
		s.mu.Unlock()
		return err
	}

	if s.cfg.Lock == nil {
		err := run(ctx)
		s.refreshStats(ctx)
		return progress, err
	}

	acquired, err := s.cfg.Lock.Run(ctx, run)
	if !acquired && err == nil {
		return Progress{}, ErrPassRunning
	}
	s.refreshStats(ctx)
	return progress, err
}

// Progress returns the progress of the running pass, or of the last one.
func (s *Service) Progress() Progress {
	return s.engine.Progress()
}

// LastPass returns the result of the last finished pass.
func (s *Service) LastPass() (Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Progress{}, false
	}
	return *s.last, true
}

// monitor logs progress while a pass is running.
func (s *Service) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ProgressLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress := s.engine.Progress()
			if progress.Running {
				s.logger.Info("Crawl progress",
					append(progress.Fields(), zap.String("source", progress.CurrentSource))...)
			}
			s.refreshStats(ctx)
		}
	}
}

func (s *Service) refreshStats(ctx context.Context) {
	if s.cfg.Stats == nil || s.cfg.Metrics == nil || ctx.Err() != nil {
		return
	}
	stats, err := s.cfg.Stats.GetStats(ctx)
	if err != nil {
		s.logger.Warn("Failed to read queue stats", zap.Error(err))
		return
	}
	s.cfg.Metrics.UnparsedChannels.Set(float64(stats.Unparsed))
}
