// Package coordination keeps crawl passes of several processes from
// overlapping, using a Redis lock.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultLockKey is the key guarding crawl passes.
	DefaultLockKey = "channelcrawler:pass"
	// DefaultLockTTL is the lock time-to-live; a held lock is extended every
	// third of it.
	DefaultLockTTL = 2 * time.Minute
)

// ErrLockNotHeld is returned when releasing or extending a lock this
// instance does not hold.
var ErrLockNotHeld = errors.New("lock not held")

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// CrawlLock is a Redis lock around one crawl pass.
type CrawlLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
	logger *zap.Logger
}

// NewCrawlLock creates a lock on key. Empty key and non-positive ttl use the
// defaults.
func NewCrawlLock(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *CrawlLock {
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrawlLock{client: client, key: key, ttl: ttl, logger: logger}
}

// TryLock acquires the lock without blocking. Each acquisition gets a fresh
// token.
func (l *CrawlLock) TryLock(ctx context.Context) (bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Unlock releases the lock if this instance holds it.
func (l *CrawlLock) Unlock(ctx context.Context) error {
	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend resets the TTL if this instance still holds the lock.
func (l *CrawlLock) Extend(ctx context.Context) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Run runs fn while holding the lock and keeps extending it until fn returns.
// It returns false without calling fn when another process holds the lock.
func (l *CrawlLock) Run(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := l.TryLock(ctx)
	if err != nil {
		return false, err
	}
	if !acquired {
		l.logger.Info("Crawl lock held elsewhere, skipping pass", zap.String("key", l.key))
		return false, nil
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		l.keepAlive(ctx, done)
	}()

	runErr := fn(ctx)

	close(done)
	<-stopped

	// Release even when ctx is already cancelled.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.Unlock(releaseCtx); err != nil {
		l.logger.Warn("Failed to release crawl lock", zap.String("key", l.key), zap.Error(err))
	}
	return true, runErr
}

func (l *CrawlLock) keepAlive(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Extend(ctx); err != nil {
				l.logger.Warn("Failed to extend crawl lock", zap.String("key", l.key), zap.Error(err))
			}
		}
	}
}
