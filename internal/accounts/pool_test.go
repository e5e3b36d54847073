package accounts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcong315/channelcrawler/internal/provider"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

type fakeClient struct {
	name   string
	closed bool
}

func (c *fakeClient) Resolve(ctx context.Context, username string) (provider.ChannelRef, error) {
	return provider.ChannelRef{Username: username}, nil
}

func (c *fakeClient) GetRecommendations(ctx context.Context, ref provider.ChannelRef) ([]provider.ChannelRef, error) {
	return nil, nil
}

func (c *fakeClient) SpamBotReply(ctx context.Context) (string, error) {
	return "Good news", nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	errs     map[string]error
	connects []string
}

func (f *fakeFactory) Connect(ctx context.Context, creds provider.Credentials) (provider.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, creds.Name)
	if err := f.errs[creds.Name]; err != nil {
		return nil, err
	}
	return &fakeClient{name: creds.Name}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]FloodWait
	deleted []string
	// onUpsert runs before each upsert is recorded.
	onUpsert func(account string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]FloodWait{}}
}

func (s *fakeStore) Upsert(ctx context.Context, account string, unlockAt time.Time, reason string) error {
	if s.onUpsert != nil {
		s.onUpsert(account)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[account] = FloodWait{Account: account, UnlockAt: unlockAt, Reason: reason}
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, account)
	s.deleted = append(s.deleted, account)
	return nil
}

func (s *fakeStore) Active(ctx context.Context, now time.Time) ([]FloodWait, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FloodWait
	for _, fw := range s.rows {
		if fw.UnlockAt.After(now) {
			out = append(out, fw)
		}
	}
	return out, nil
}

func accountsNamed(names ...string) []Account {
	out := make([]Account, len(names))
	for i, n := range names {
		out[i] = Account{Name: n, APIID: i + 1, APIHash: "hash-" + n}
	}
	return out
}

func newTestPool(t *testing.T, clock *fakeClock, factory *fakeFactory, cfg PoolConfig, names ...string) *Pool {
	t.Helper()
	cfg.Now = clock.Now
	cfg.Sleep = clock.Sleep
	pool, err := NewPool(accountsNamed(names...), factory, cfg)
	require.NoError(t, err)
	return pool
}

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool(nil, &fakeFactory{}, PoolConfig{})
	assert.Error(t, err)

	_, err = NewPool(accountsNamed("a", "a"), &fakeFactory{}, PoolConfig{})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewPool(accountsNamed("a"), nil, PoolConfig{})
	assert.Error(t, err)
}

func TestRotate_SkipsToNextAccount(t *testing.T) {
	clock := newFakeClock()
	factory := &fakeFactory{}
	pool := newTestPool(t, clock, factory, PoolConfig{SafetyBuffer: 5 * time.Second}, "A", "B", "C")
	ctx := context.Background()

	acc, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "A", acc.Name)

	acc, err = pool.Rotate(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "B", acc.Name)
	assert.Equal(t, "B", pool.Current().Name)

	acc, err = pool.Rotate(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "C", acc.Name, "rotation continues after the current account")
}

func TestRotate_ReturnsNilWhenOthersRevoked(t *testing.T) {
	clock := newFakeClock()
	factory := &fakeFactory{}
	pool := newTestPool(t, clock, factory, PoolConfig{SafetyBuffer: 5 * time.Second}, "A", "B", "C")
	ctx := context.Background()

	_, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	client := pool.Client().(*fakeClient)

	pool.MarkRevoked("B")
	pool.MarkRevoked("C")

	acc, err := pool.Rotate(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, acc)
	assert.Nil(t, pool.Current())
	assert.Nil(t, pool.Client())
	assert.True(t, client.closed)
}

func TestRotate_ReturnsNilWhenAllPermanentlyDisabled(t *testing.T) {
	clock := newFakeClock()
	pool := newTestPool(t, clock, &fakeFactory{}, PoolConfig{MaxUnlockWait: time.Hour}, "A", "B")

	pool.MarkRevoked("A")
	pool.MarkNoQuota("B")

	acc, err := pool.Rotate(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, acc)
	assert.Empty(t, clock.sleeps)
}

func TestRotate_HonorsBackoff(t *testing.T) {
	clock := newFakeClock()
	factory := &fakeFactory{}
	buffer := 5 * time.Second
	pool := newTestPool(t, clock, factory, PoolConfig{SafetyBuffer: buffer}, "A", "B")
	ctx := context.Background()

	_, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)

	acc, err := pool.Rotate(ctx, 120*time.Second)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "B", acc.Name)

	health, ok := pool.Health("A")
	require.True(t, ok)
	assert.Equal(t, RateLimited, health.State)

	clock.Advance(60 * time.Second)
	acc, err = pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", acc.Name, "A is still rate limited")

	clock.Advance(61*time.Second + buffer)
	acc, err = pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", acc.Name)

	health, _ = pool.Health("A")
	assert.Equal(t, Active, health.State)
}

func TestRotate_BlocksUntilNearestUnlock(t *testing.T) {
	clock := newFakeClock()
	factory := &fakeFactory{}
	pool := newTestPool(t, clock, factory, PoolConfig{
		SafetyBuffer:    5 * time.Second,
		MaxUnlockWait:   10 * time.Minute,
		WaitLogInterval: 30 * time.Second,
	}, "A")
	ctx := context.Background()
	start := clock.Now()

	_, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)

	acc, err := pool.Rotate(ctx, 120*time.Second)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "A", acc.Name)

	assert.Equal(t, []time.Duration{
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 5 * time.Second,
	}, clock.sleeps)
	assert.Equal(t, start.Add(125*time.Second), clock.Now())
	assert.Equal(t, []string{"A", "A"}, factory.connects)
}

func TestRotate_DoesNotBlockBeyondMaxUnlockWait(t *testing.T) {
	clock := newFakeClock()
	pool := newTestPool(t, clock, &fakeFactory{}, PoolConfig{
		SafetyBuffer:  5 * time.Second,
		MaxUnlockWait: time.Minute,
	}, "A")
	ctx := context.Background()

	_, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)

	acc, err := pool.Rotate(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, acc)
	assert.Empty(t, clock.sleeps)
}

func TestRotate_CancelledContext(t *testing.T) {
	clock := newFakeClock()
	pool := newTestPool(t, clock, &fakeFactory{}, PoolConfig{MaxUnlockWait: time.Hour}, "A")

	_, err := pool.ConnectFirstAvailable(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	acc, err := pool.Rotate(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, acc)
}

func TestConnectFirstAvailable_RevokesInvalidSession(t *testing.T) {
	clock := newFakeClock()
	factory := &fakeFactory{errs: map[string]error{
		"A": provider.ErrSessionInvalid,
	}}
	pool := newTestPool(t, clock, factory, PoolConfig{}, "A", "B")

	acc, err := pool.ConnectFirstAvailable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "B", acc.Name)

	health, _ := pool.Health("A")
	assert.Equal(t, Revoked, health.State)
}

func TestConnectFirstAvailable_GenericFailureIsTemporary(t *testing.T) {
	clock := newFakeClock()
	factory := &fakeFactory{errs: map[string]error{
		"A": errors.New("connection refused"),
	}}
	pool := newTestPool(t, clock, factory, PoolConfig{SafetyBuffer: 5 * time.Second}, "A", "B")
	ctx := context.Background()

	acc, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", acc.Name)

	health, _ := pool.Health("A")
	assert.Equal(t, RateLimited, health.State)

	factory.errs = nil
	clock.Advance(5 * time.Second)
	acc, err = pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", acc.Name)
}

func TestConnectFirstAvailable_NoneConnect(t *testing.T) {
	clock := newFakeClock()
	factory := &fakeFactory{errs: map[string]error{
		"A": provider.ErrSessionInvalid,
	}}
	pool := newTestPool(t, clock, factory, PoolConfig{}, "A")

	acc, err := pool.ConnectFirstAvailable(context.Background())
	require.NoError(t, err)
	assert.Nil(t, acc)
}

func TestMarkRateLimited_SurvivesRotate(t *testing.T) {
	clock := newFakeClock()
	pool := newTestPool(t, clock, &fakeFactory{}, PoolConfig{SafetyBuffer: 5 * time.Second}, "A", "B")
	ctx := context.Background()

	_, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)

	pool.MarkRateLimited(ctx, "A", time.Hour, "spam ban")
	acc, err := pool.Rotate(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "B", acc.Name)

	health, _ := pool.Health("A")
	assert.Equal(t, RateLimited, health.State)
	assert.Equal(t, clock.Now().Add(time.Hour), health.Until)
	assert.Equal(t, "spam ban", health.Reason)
}

func TestPool_FloodWaitStore(t *testing.T) {
	clock := newFakeClock()
	store := newFakeStore()
	cfg := PoolConfig{SafetyBuffer: 5 * time.Second, Store: store}
	pool := newTestPool(t, clock, &fakeFactory{}, cfg, "A", "B")
	ctx := context.Background()

	_, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	_, err = pool.Rotate(ctx, 30*time.Second)
	require.NoError(t, err)

	require.Contains(t, store.rows, "A")
	assert.Equal(t, clock.Now().Add(35*time.Second), store.rows["A"].UnlockAt)
	assert.Contains(t, store.deleted, "B")

	// A fresh process restores A's wait from the store.
	restored := newTestPool(t, clock, &fakeFactory{}, cfg, "A", "B")
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	acc, err := restored.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", acc.Name)
}

func TestPool_FloodWaitStoreWritesDoNotBlockReaders(t *testing.T) {
	clock := newFakeClock()
	store := newFakeStore()
	factory := &fakeFactory{errs: map[string]error{
		"C": &provider.FloodWaitError{Seconds: 60},
	}}
	pool := newTestPool(t, clock, factory, PoolConfig{SafetyBuffer: 5 * time.Second, Store: store}, "A", "B", "C")
	ctx := context.Background()

	var upserts []string
	store.onUpsert = func(account string) {
		done := make(chan []Status, 1)
		go func() { done <- pool.Snapshot() }()
		select {
		case statuses := <-done:
			assert.Len(t, statuses, 3)
		case <-time.After(2 * time.Second):
			t.Errorf("Snapshot blocked while persisting flood wait for %s", account)
		}
		upserts = append(upserts, account)
	}

	_, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	acc, err := pool.Rotate(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "B", acc.Name)

	pool.MarkRateLimited(ctx, "B", time.Hour, "spam ban")
	acc, err = pool.Rotate(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, acc)

	assert.Equal(t, []string{"A", "B", "C"}, upserts)
}

func TestPool_Snapshot(t *testing.T) {
	clock := newFakeClock()
	pool := newTestPool(t, clock, &fakeFactory{}, PoolConfig{SafetyBuffer: 5 * time.Second}, "A", "B", "C")
	ctx := context.Background()

	_, err := pool.ConnectFirstAvailable(ctx)
	require.NoError(t, err)
	_, err = pool.Rotate(ctx, time.Minute)
	require.NoError(t, err)
	pool.MarkNoQuota("C")

	snapshot := pool.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "rate_limited", snapshot[0].State)
	require.NotNil(t, snapshot[0].Until)
	assert.Equal(t, "active", snapshot[1].State)
	assert.True(t, snapshot[1].Current)
	assert.Equal(t, "no_quota", snapshot[2].State)
	assert.Equal(t, 1, pool.AvailableCount())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, "active", pool.Snapshot()[0].State)
	assert.Equal(t, 2, pool.AvailableCount())
}
