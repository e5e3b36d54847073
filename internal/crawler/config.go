package crawler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Crawler configuration defaults
const (
	DefaultBatchSize           = 100
	DefaultRequestDelay        = 3 * time.Second
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = 15 * time.Second
	DefaultMaxRotations        = 5
	DefaultLowYieldThreshold   = 10
	DefaultLowYieldStreak      = 3
	DefaultNotFoundStreak      = 3
	DefaultSpamBanWindow       = 24 * time.Hour
	DefaultProgressLogInterval = time.Minute
)

// Config holds all configuration for one crawl engine
type Config struct {
	// Sources loaded per pass
	BatchSize int

	// Minimum spacing between remote calls
	RequestDelay time.Duration

	// Generic errors
	MaxRetries int
	RetryDelay time.Duration

	// Rate-limit and revoked-session retries of one source
	MaxRotations int

	// A response with at most LowYieldThreshold recommendations is low-yield.
	// LowYieldStreak consecutive low-yield sources disable the account.
	// Zero LowYieldStreak turns the check off.
	LowYieldThreshold int
	LowYieldStreak    int

	// Consecutive not-found sources before the spam probe is consulted
	NotFoundStreak int
	SpamBanWindow  time.Duration

	ProgressLogInterval time.Duration

	// Logging
	Logger *zap.Logger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return Config{
		BatchSize:           DefaultBatchSize,
		RequestDelay:        DefaultRequestDelay,
		MaxRetries:          DefaultMaxRetries,
		RetryDelay:          DefaultRetryDelay,
		MaxRotations:        DefaultMaxRotations,
		LowYieldThreshold:   DefaultLowYieldThreshold,
		LowYieldStreak:      DefaultLowYieldStreak,
		NotFoundStreak:      DefaultNotFoundStreak,
		SpamBanWindow:       DefaultSpamBanWindow,
		ProgressLogInterval: DefaultProgressLogInterval,
	}
}

func (c *Config) applyDefaults() error {
	if c.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if c.MaxRetries < 0 || c.MaxRotations < 0 || c.LowYieldStreak < 0 {
		return errors.New("retry, rotation and streak limits cannot be negative")
	}
	if c.NotFoundStreak <= 0 {
		c.NotFoundStreak = DefaultNotFoundStreak
	}
	if c.ProgressLogInterval <= 0 {
		c.ProgressLogInterval = DefaultProgressLogInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
