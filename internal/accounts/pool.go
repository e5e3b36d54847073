package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcong315/channelcrawler/internal/provider"
	"github.com/rcong315/channelcrawler/internal/ratelimit"
)

const (
	DefaultSafetyBuffer    = 5 * time.Second
	DefaultWaitLogInterval = 30 * time.Second
	// minUnlockWait bounds the blocking wait from below so a pool with a zero
	// safety buffer cannot spin on accounts that fail to connect.
	minUnlockWait = time.Second
)

// PoolConfig holds the pool settings
type PoolConfig struct {
	// SafetyBuffer is added to every advertised wait.
	SafetyBuffer time.Duration
	// MaxUnlockWait caps how long Rotate blocks for a rate-limited account.
	// Zero disables blocking.
	MaxUnlockWait   time.Duration
	WaitLogInterval time.Duration

	// Store is optional.
	Store  FloodWaitStore
	Logger *zap.Logger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pool rotates between accounts. It is safe for concurrent use; operations
// that connect or wait are serialized.
type Pool struct {
	cfg     PoolConfig
	factory provider.Factory
	logger  *zap.Logger

	// op serializes ConnectFirstAvailable, Rotate and Close.
	op sync.Mutex

	mu       sync.RWMutex
	accounts []*Account
	health   []Health
	index    map[string]int
	current  int
	client   provider.Client
}

// NewPool creates a pool over accounts in configured order.
func NewPool(accounts []Account, factory provider.Factory, cfg PoolConfig) (*Pool, error) {
	if len(accounts) == 0 {
		return nil, errors.New("no accounts configured")
	}
	if factory == nil {
		return nil, errors.New("client factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.WaitLogInterval <= 0 {
		cfg.WaitLogInterval = DefaultWaitLogInterval
	}
	if cfg.SafetyBuffer < 0 {
		cfg.SafetyBuffer = 0
	}

	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		logger:   cfg.Logger,
		accounts: make([]*Account, len(accounts)),
		health:   make([]Health, len(accounts)),
		index:    make(map[string]int, len(accounts)),
		current:  -1,
	}
	for i, acc := range accounts {
		if acc.Name == "" {
			return nil, fmt.Errorf("account %d has no name", i)
		}
		if _, dup := p.index[acc.Name]; dup {
			return nil, fmt.Errorf("duplicate account name %q", acc.Name)
		}
		a := acc
		p.accounts[i] = &a
		p.index[acc.Name] = i
	}
	return p, nil
}

// Restore loads unexpired flood waits from the store. It returns how many
// accounts were put back into RateLimited.
func (p *Pool) Restore(ctx context.Context) (int, error) {
	if p.cfg.Store == nil {
		return 0, nil
	}
	now := p.cfg.Now()
	waits, err := p.cfg.Store.Active(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to load flood waits: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	restored := 0
	for _, fw := range waits {
		i, ok := p.index[fw.Account]
		if !ok || !fw.UnlockAt.After(now) {
			continue
		}
		if p.health[i].State != Active {
			continue
		}
		p.health[i] = Health{State: RateLimited, Until: fw.UnlockAt, Reason: fw.Reason}
		restored++
		p.logger.Info("Restored flood wait",
			zap.String("account", fw.Account),
			zap.Time("until", fw.UnlockAt),
			zap.String("reason", fw.Reason))
	}
	return restored, nil
}

// ConnectFirstAvailable connects the first available account in configured
// order. It returns nil when no account connects.
func (p *Pool) ConnectFirstAvailable(ctx context.Context) (*Account, error) {
	p.op.Lock()
	defer p.op.Unlock()

	for i := range p.accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.availableNow(i) {
			continue
		}
		if p.connect(ctx, i) {
			return p.accounts[i], nil
		}
	}
	p.logger.Warn("No account could be connected")
	return nil, nil
}

// Rotate moves off the current account. The current account is marked
// RateLimited for wait plus the safety buffer, or until now when wait is zero,
// unless it has already left Active. The remaining accounts are scanned
// round-robin after the current one. When only rate-limited accounts remain,
// Rotate blocks until the nearest unlock if that is within MaxUnlockWait.
// It returns nil when no account can be used; the error is only set when ctx
// is cancelled.
func (p *Pool) Rotate(ctx context.Context, wait time.Duration) (*Account, error) {
	p.op.Lock()
	defer p.op.Unlock()

	p.mu.Lock()
	start := p.current
	var limited *FloodWait
	if start >= 0 && p.health[start].State == Active {
		until := p.cfg.Now()
		if wait > 0 {
			until = until.Add(wait + p.cfg.SafetyBuffer)
		}
		limited = p.setRateLimitedLocked(start, until, "rotated")
	}
	p.mu.Unlock()
	p.persist(ctx, limited)

	skip := start
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n := len(p.accounts)
		for k := 1; k <= n; k++ {
			i := (start + k) % n
			if start < 0 {
				i = k - 1
			}
			if i == skip || !p.availableNow(i) {
				continue
			}
			if p.connect(ctx, i) {
				return p.accounts[i], nil
			}
		}

		next, until, ok := p.nearestUnlock()
		if !ok {
			p.logger.Warn("All accounts are revoked or out of quota")
			p.dropCurrent()
			return nil, nil
		}

		delay := until.Sub(p.cfg.Now())
		if delay < p.cfg.SafetyBuffer {
			delay = p.cfg.SafetyBuffer
		}
		if delay < minUnlockWait {
			delay = minUnlockWait
		}
		if p.cfg.MaxUnlockWait <= 0 || delay > p.cfg.MaxUnlockWait {
			p.logger.Warn("No account available within the unlock budget",
				zap.String("next_account", p.accounts[next].Name),
				zap.Duration("wait", delay),
				zap.Duration("max_unlock_wait", p.cfg.MaxUnlockWait))
			p.dropCurrent()
			return nil, nil
		}

		p.logger.Info("All accounts rate limited, waiting for the next unlock",
			zap.String("account", p.accounts[next].Name),
			zap.Duration("wait", delay))
		if err := p.waitFor(ctx, next, delay); err != nil {
			return nil, err
		}

		if p.availableNow(next) && p.connect(ctx, next) {
			return p.accounts[next], nil
		}
		// After the first wait every account is a candidate again.
		skip = -1
	}
}

// MarkRevoked permanently disables an account for the process lifetime.
func (p *Pool) MarkRevoked(name string) {
	p.markPermanent(name, Revoked, "session invalid")
}

// MarkNoQuota permanently disables an account that keeps returning low-yield
// results.
func (p *Pool) MarkNoQuota(name string) {
	p.markPermanent(name, NoQuota, "low-yield responses")
}

// MarkRateLimited puts an account into RateLimited for wait, regardless of
// its current state unless it is permanently disabled.
func (p *Pool) MarkRateLimited(ctx context.Context, name string, wait time.Duration, reason string) {
	p.mu.Lock()
	i, ok := p.index[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	if s := p.health[i].State; s == Revoked || s == NoQuota {
		p.mu.Unlock()
		return
	}
	limited := p.setRateLimitedLocked(i, p.cfg.Now().Add(wait), reason)
	p.mu.Unlock()
	p.persist(ctx, limited)
}

// Current returns the connected account, or nil.
func (p *Pool) Current() *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current < 0 {
		return nil
	}
	return p.accounts[p.current]
}

// Client returns the client of the connected account, or nil.
func (p *Pool) Client() provider.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// Health returns the health of the named account.
func (p *Pool) Health(name string) (Health, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, ok := p.index[name]
	if !ok {
		return Health{}, false
	}
	return p.health[i], true
}

// AvailableCount returns how many accounts could be connected right now.
func (p *Pool) AvailableCount() int {
	count := 0
	for i := range p.accounts {
		if p.availableNow(i) {
			count++
		}
	}
	return count
}

// Snapshot returns the status of every account in configured order.
func (p *Pool) Snapshot() []Status {
	now := p.cfg.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]Status, len(p.accounts))
	for i, acc := range p.accounts {
		h := p.health[i]
		status := Status{
			Name:    acc.Name,
			State:   h.State.String(),
			Reason:  h.Reason,
			Current: i == p.current,
		}
		if h.State == RateLimited {
			if h.availableAt(now) {
				status.State = Active.String()
			} else {
				until := h.Until
				status.Until = &until
			}
		}
		statuses[i] = status
	}
	return statuses
}

// Close closes the connected client.
func (p *Pool) Close() error {
	p.op.Lock()
	defer p.op.Unlock()
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.current = -1
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (p *Pool) availableNow(i int) bool {
	now := p.cfg.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health[i].availableAt(now)
}

// connect opens a client for account i and makes it current. Failures are
// logged and recorded in the account's health.
func (p *Pool) connect(ctx context.Context, i int) bool {
	acc := p.accounts[i]
	client, err := p.factory.Connect(ctx, acc.Credentials())
	if err != nil {
		p.recordConnectFailure(ctx, i, err)
		return false
	}

	p.mu.Lock()
	old := p.client
	p.client = client
	p.current = i
	p.health[i] = Health{State: Active}
	p.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			p.logger.Warn("Failed to close previous client", zap.Error(err))
		}
	}
	if p.cfg.Store != nil {
		if err := p.cfg.Store.Delete(ctx, acc.Name); err != nil {
			p.logger.Warn("Failed to clear flood wait", zap.String("account", acc.Name), zap.Error(err))
		}
	}

	p.logger.Info("Connected account", zap.String("account", acc.Name))
	return true
}

func (p *Pool) recordConnectFailure(ctx context.Context, i int, err error) {
	acc := p.accounts[i]
	class := ratelimit.Classify(err)

	var limited *FloodWait
	p.mu.Lock()
	switch class.Kind {
	case ratelimit.SessionInvalid:
		p.health[i] = Health{State: Revoked, Reason: class.Message}
		p.logger.Warn("Account session is invalid, revoking",
			zap.String("account", acc.Name), zap.Error(err))
	case ratelimit.RateLimited:
		limited = p.setRateLimitedLocked(i, p.cfg.Now().Add(class.Wait+p.cfg.SafetyBuffer), class.Message)
	default:
		// Unavailable for now; it becomes a candidate again after the buffer.
		p.health[i] = Health{
			State:  RateLimited,
			Until:  p.cfg.Now().Add(p.cfg.SafetyBuffer),
			Reason: class.Message,
		}
		p.logger.Warn("Failed to connect account",
			zap.String("account", acc.Name), zap.Error(err))
	}
	p.mu.Unlock()
	p.persist(ctx, limited)
}

// setRateLimitedLocked must be called with mu held. It returns the flood
// wait to persist once mu is released, or nil when there is nothing to store.
func (p *Pool) setRateLimitedLocked(i int, until time.Time, reason string) *FloodWait {
	acc := p.accounts[i]
	p.health[i] = Health{State: RateLimited, Until: until, Reason: reason}
	p.logger.Info("Account rate limited",
		zap.String("account", acc.Name),
		zap.Time("until", until),
		zap.String("reason", reason))

	if p.cfg.Store == nil || !until.After(p.cfg.Now()) {
		return nil
	}
	return &FloodWait{Account: acc.Name, UnlockAt: until, Reason: reason}
}

// persist mirrors a flood wait to the store. It must not be called with mu
// held.
func (p *Pool) persist(ctx context.Context, fw *FloodWait) {
	if fw == nil {
		return
	}
	if err := p.cfg.Store.Upsert(ctx, fw.Account, fw.UnlockAt, fw.Reason); err != nil {
		p.logger.Warn("Failed to persist flood wait", zap.String("account", fw.Account), zap.Error(err))
	}
}

func (p *Pool) markPermanent(name string, state State, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[name]
	if !ok {
		return
	}
	p.health[i] = Health{State: state, Reason: reason}
	p.logger.Warn("Account disabled",
		zap.String("account", name),
		zap.String("state", state.String()),
		zap.String("reason", reason))
}

// nearestUnlock finds the rate-limited account that unlocks first.
func (p *Pool) nearestUnlock() (int, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	best := -1
	var until time.Time
	for i, h := range p.health {
		if h.State != RateLimited {
			continue
		}
		if best < 0 || h.Until.Before(until) {
			best = i
			until = h.Until
		}
	}
	return best, until, best >= 0
}

func (p *Pool) dropCurrent() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.current = -1
	p.mu.Unlock()
	if client != nil {
		if err := client.Close(); err != nil {
			p.logger.Warn("Failed to close client", zap.Error(err))
		}
	}
}

// waitFor sleeps for d, logging the remaining time every WaitLogInterval.
func (p *Pool) waitFor(ctx context.Context, i int, d time.Duration) error {
	deadline := p.cfg.Now().Add(d)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := deadline.Sub(p.cfg.Now())
		if remaining <= 0 {
			return nil
		}
		step := remaining
		if step > p.cfg.WaitLogInterval {
			step = p.cfg.WaitLogInterval
		}
		if err := p.cfg.Sleep(ctx, step); err != nil {
			return err
		}
		if left := deadline.Sub(p.cfg.Now()); left > 0 {
			p.logger.Info("Waiting for account unlock",
				zap.String("account", p.accounts[i].Name),
				zap.Duration("remaining", left))
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
