package crawler

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcong315/channelcrawler/internal/db"
)

type fakeLocker struct {
	held  bool
	calls int
}

func (l *fakeLocker) Run(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	l.calls++
	if l.held {
		return false, nil
	}
	return true, fn(ctx)
}

type fakeStats struct {
	stats db.Stats
}

func (s fakeStats) GetStats(context.Context) (db.Stats, error) {
	return s.stats, nil
}

func TestService_RunPass(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"X"}, "a", "b")
	svc, err := NewService(h.engine, ServiceConfig{
		Stats:   fakeStats{db.Stats{Unparsed: 7}},
		Metrics: h.metrics,
	})
	require.NoError(t, err)

	_, ok := svc.LastPass()
	assert.False(t, ok)

	progress, err := svc.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Processed)

	last, ok := svc.LastPass()
	require.True(t, ok)
	assert.Equal(t, progress.Processed, last.Processed)
	assert.Equal(t, 2, svc.Progress().Processed)
	assert.Equal(t, 7.0, testutil.ToFloat64(h.metrics.UnparsedChannels))
}

func TestService_RunPassUnderLock(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"X"}, "a")
	lock := &fakeLocker{}
	svc, err := NewService(h.engine, ServiceConfig{Lock: lock})
	require.NoError(t, err)

	progress, err := svc.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Processed)
	assert.Equal(t, 1, lock.calls)

	lock.held = true
	_, err = svc.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrPassRunning)
}

func TestService_RejectsOverlappingPass(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"X"}, "a")
	svc, err := NewService(h.engine, ServiceConfig{})
	require.NoError(t, err)

	svc.pass.Lock()
	_, err = svc.RunPass(context.Background())
	svc.pass.Unlock()
	assert.ErrorIs(t, err, ErrPassRunning)
}

func TestService_StartStopsOnCancel(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"X"}, "a")
	svc, err := NewService(h.engine, ServiceConfig{Schedule: "@every 1h"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, svc.Start(ctx))
	assert.False(t, h.queue.item("a").parsed)
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewScheduler("every now and then", nil)
	assert.ErrorContains(t, err, "invalid schedule")

	s, err := NewScheduler("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, s.schedule)

	_, err = NewScheduler("*/5 * * * *", nil)
	assert.NoError(t, err)
}
