package crawler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rcong315/channelcrawler/internal/accounts"
	"github.com/rcong315/channelcrawler/internal/events"
	"github.com/rcong315/channelcrawler/internal/provider"
	"github.com/rcong315/channelcrawler/internal/ratelimit"
)

// Queue is the discovery queue as seen by the engine.
type Queue interface {
	GetUnparsed(ctx context.Context, limit int) ([]string, error)
	GetAllIdentifiers(ctx context.Context) (map[string]struct{}, error)
	InsertIdentifiers(ctx context.Context, batch []string) ([]string, error)
	MarkParsed(ctx context.Context, identifier string) error
	MarkParsedWithError(ctx context.Context, identifier, message string) error
}

// AccountPool is the account pool as seen by the engine.
type AccountPool interface {
	ConnectFirstAvailable(ctx context.Context) (*accounts.Account, error)
	Rotate(ctx context.Context, wait time.Duration) (*accounts.Account, error)
	MarkRevoked(name string)
	MarkNoQuota(name string)
	MarkRateLimited(ctx context.Context, name string, wait time.Duration, reason string)
	Current() *accounts.Account
	Client() provider.Client
	AvailableCount() int
}

// Progress describes one crawl pass.
type Progress struct {
	Processed      int       `json:"processed"`
	Discovered     int       `json:"discovered"`
	Errors         int       `json:"errors"`
	Skipped        int       `json:"skipped"`
	CurrentSource  string    `json:"current_source,omitempty"`
	CurrentAccount string    `json:"current_account,omitempty"`
	Partial        bool      `json:"partial"`
	// NoAccounts is set when the pass could not connect any account at all.
	NoAccounts     bool      `json:"no_accounts,omitempty"`
	Stopped        bool      `json:"stopped"`
	Running        bool      `json:"running"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

// Fields returns the progress as log fields.
func (p Progress) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("processed", p.Processed),
		zap.Int("discovered", p.Discovered),
		zap.Int("errors", p.Errors),
		zap.Int("skipped", p.Skipped),
		zap.String("account", p.CurrentAccount),
		zap.Bool("partial", p.Partial),
		zap.Bool("no_accounts", p.NoAccounts),
		zap.Bool("stopped", p.Stopped),
	}
}

// Dependencies are the collaborators of an Engine. Probe, Publisher and
// Metrics are optional.
type Dependencies struct {
	Queue     Queue
	Pool      AccountPool
	Probe     provider.SpamProbe
	Publisher events.Publisher
	Metrics   *Metrics
}

// Engine runs crawl passes. Passes on one engine must not overlap; the
// not-found streak carries over between them.
type Engine struct {
	cfg       Config
	queue     Queue
	pool      AccountPool
	probe     provider.SpamProbe
	publisher events.Publisher
	metrics   *Metrics
	limiter   *rate.Limiter
	logger    *zap.Logger

	notFoundStreak int
	lowYieldStreak int

	mu       sync.RWMutex
	progress Progress
}

// NewEngine creates an engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if deps.Queue == nil || deps.Pool == nil {
		return nil, errors.New("queue and account pool are required")
	}
	if deps.Probe == nil {
		deps.Probe = provider.NewSpamBotProbe()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}

	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}

	return &Engine{
		cfg:       cfg,
		queue:     deps.Queue,
		pool:      deps.Pool,
		probe:     deps.Probe,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    cfg.Logger,
	}, nil
}

// Progress returns a copy of the current or last pass's progress.
func (e *Engine) Progress() Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progress
}

type outcome int

const (
	outcomeParsed outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeExhausted
	outcomeStopped
)

// Run executes one pass over a batch of unparsed sources. Cancellation ends
// the pass between sources with Stopped set; running out of accounts ends it
// with Partial set. Both return the progress with a nil error.
func (e *Engine) Run(ctx context.Context) (Progress, error) {
	e.update(func(p *Progress) {
		*p = Progress{Running: true, StartedAt: e.cfg.Now()}
	})
	defer e.update(func(p *Progress) {
		p.Running = false
		p.CurrentSource = ""
		p.FinishedAt = e.cfg.Now()
	})

	if err := ctx.Err(); err != nil {
		e.update(func(p *Progress) { p.Stopped = true })
		return e.finish("stopped"), nil
	}

	sources, err := e.queue.GetUnparsed(ctx, e.cfg.BatchSize)
	if err != nil {
		return e.finish("failed"), fmt.Errorf("failed to load sources: %w", err)
	}
	if len(sources) == 0 {
		e.logger.Info("No unparsed channels in the queue")
		return e.finish("complete"), nil
	}

	known, err := e.queue.GetAllIdentifiers(ctx)
	if err != nil {
		return e.finish("failed"), fmt.Errorf("failed to load known channels: %w", err)
	}

	if e.pool.Client() == nil {
		acc, err := e.pool.ConnectFirstAvailable(ctx)
		if err != nil {
			e.update(func(p *Progress) { p.Stopped = true })
			return e.finish("stopped"), nil
		}
		if acc == nil {
			e.logger.Warn("No account available, skipping pass", zap.Int("sources", len(sources)))
			e.setAvailableAccounts()
			e.update(func(p *Progress) {
				p.Partial = true
				p.NoAccounts = true
			})
			return e.finish("partial"), nil
		}
	}
	e.setAvailableAccounts()

	e.logger.Info("Starting crawl pass",
		zap.Int("sources", len(sources)),
		zap.Int("known", len(known)),
		zap.String("account", e.accountName()))

	for _, source := range sources {
		if ctx.Err() != nil {
			e.update(func(p *Progress) { p.Stopped = true })
			break
		}

		switch e.processSource(ctx, source, known) {
		case outcomeParsed:
			e.update(func(p *Progress) { p.Processed++ })
			e.countSource()
		case outcomeFailed:
			e.update(func(p *Progress) {
				p.Processed++
				p.Errors++
			})
			e.countSource()
		case outcomeSkipped:
			e.update(func(p *Progress) { p.Skipped++ })
		case outcomeExhausted:
			e.update(func(p *Progress) { p.Partial = true })
		case outcomeStopped:
			e.update(func(p *Progress) { p.Stopped = true })
		}

		if progress := e.Progress(); progress.Partial || progress.Stopped {
			break
		}
	}

	result := "complete"
	switch progress := e.Progress(); {
	case progress.Stopped:
		result = "stopped"
	case progress.Partial:
		result = "partial"
	}
	return e.finish(result), nil
}

func (e *Engine) finish(result string) Progress {
	e.countPass(result)
	progress := e.Progress()
	progress.Running = false
	progress.FinishedAt = e.cfg.Now()
	e.logger.Info("Crawl pass finished", append(progress.Fields(), zap.String("outcome", result))...)
	return progress
}

// processSource crawls one source until it is parsed, skipped, or the pass
// has to end.
func (e *Engine) processSource(ctx context.Context, source string, known map[string]struct{}) outcome {
	// Remote calls and queue writes of a started source are not interrupted.
	callCtx := context.WithoutCancel(ctx)
	logger := e.logger.With(zap.String("source", source))

	retries, rotations := 0, 0
	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return outcomeStopped
		}

		acc := e.pool.Current()
		client := e.pool.Client()
		if acc == nil || client == nil {
			next, err := e.pool.ConnectFirstAvailable(ctx)
			if err != nil {
				return outcomeStopped
			}
			if next == nil {
				logger.Warn("No account left to crawl with")
				return outcomeExhausted
			}
			continue
		}
		e.update(func(p *Progress) {
			p.CurrentSource = source
			p.CurrentAccount = acc.Name
		})

		start := e.cfg.Now()
		recs, err := e.fetch(callCtx, client, source)
		e.observeDuration(e.cfg.Now().Sub(start))

		if err == nil {
			e.notFoundStreak = 0
			if e.lowYield(len(recs)) {
				logger.Warn("Account keeps returning few recommendations, disabling it",
					zap.String("account", acc.Name),
					zap.Int("recommendations", len(recs)),
					zap.Int("streak", e.cfg.LowYieldStreak))
				e.countError(ratelimit.AccountUnderProvisioned)
				e.pool.MarkNoQuota(acc.Name)
				if out, ok := e.rotate(ctx, 0, "no_quota", logger); !ok {
					return out
				}
				continue
			}
			return e.store(callCtx, source, acc.Name, recs, known, logger)
		}

		class := ratelimit.Classify(err)
		e.countError(class.Kind)
		logger := logger.With(zap.String("account", acc.Name), zap.String("kind", class.Kind.String()))

		switch class.Kind {
		case ratelimit.RateLimited:
			if e.metrics != nil {
				e.metrics.FloodWaitSeconds.Observe(class.Wait.Seconds())
			}
			logger.Warn("Rate limited", zap.Duration("wait", class.Wait))
			if out, ok := e.rotate(ctx, class.Wait, "rate_limited", logger); !ok {
				return out
			}
			if rotations++; rotations > e.cfg.MaxRotations {
				logger.Warn("Source exceeded its rotation budget, leaving it for the next pass")
				return outcomeSkipped
			}

		case ratelimit.SessionInvalid:
			logger.Warn("Session invalid", zap.String("error", class.Message))
			e.pool.MarkRevoked(acc.Name)
			if out, ok := e.rotate(ctx, 0, "revoked", logger); !ok {
				return out
			}
			if rotations++; rotations > e.cfg.MaxRotations {
				logger.Warn("Source exceeded its rotation budget, leaving it for the next pass")
				return outcomeSkipped
			}

		case ratelimit.NotFound:
			logger.Info("Source not found", zap.String("error", class.Message))
			if err := e.queue.MarkParsed(callCtx, source); err != nil {
				logger.Error("Failed to mark source parsed", zap.Error(err))
				e.update(func(p *Progress) { p.Errors++ })
				return outcomeSkipped
			}
			e.notFoundStreak++
			if e.notFoundStreak >= e.cfg.NotFoundStreak {
				return e.consultProbe(ctx, callCtx, acc.Name, client, logger)
			}
			return outcomeParsed

		default:
			retries++
			if retries > e.cfg.MaxRetries {
				logger.Error("Source failed after retries", zap.Int("retries", e.cfg.MaxRetries), zap.String("error", class.Message))
				if err := e.queue.MarkParsedWithError(callCtx, source, class.Message); err != nil {
					logger.Error("Failed to mark source parsed", zap.Error(err))
					e.update(func(p *Progress) { p.Errors++ })
					return outcomeSkipped
				}
				return outcomeFailed
			}
			logger.Warn("Request failed, retrying",
				zap.Int("attempt", retries),
				zap.Duration("delay", e.cfg.RetryDelay),
				zap.String("error", class.Message))
			if ctx.Err() != nil {
				return outcomeStopped
			}
			if err := e.cfg.Sleep(ctx, e.cfg.RetryDelay); err != nil {
				return outcomeStopped
			}
			if ctx.Err() != nil {
				return outcomeStopped
			}
		}
	}
}

// fetch resolves the source and loads its recommendations. Both calls are
// repeated together on failure.
func (e *Engine) fetch(ctx context.Context, client provider.Client, source string) ([]provider.ChannelRef, error) {
	ref, err := client.Resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	recs, err := client.GetRecommendations(ctx, ref)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (e *Engine) lowYield(count int) bool {
	if e.cfg.LowYieldStreak <= 0 {
		return false
	}
	if count > e.cfg.LowYieldThreshold {
		e.lowYieldStreak = 0
		return false
	}
	e.lowYieldStreak++
	if e.lowYieldStreak < e.cfg.LowYieldStreak {
		return false
	}
	e.lowYieldStreak = 0
	return true
}

// store queues the new recommendations and marks the source parsed.
func (e *Engine) store(ctx context.Context, source, account string, recs []provider.ChannelRef, known map[string]struct{}, logger *zap.Logger) outcome {
	self := provider.NormalizeUsername(source)
	fresh := make([]string, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		username := provider.NormalizeUsername(rec.Username)
		if username == "" || username == self {
			continue
		}
		if _, ok := known[username]; ok {
			continue
		}
		if _, ok := seen[username]; ok {
			continue
		}
		seen[username] = struct{}{}
		fresh = append(fresh, username)
	}

	var inserted []string
	if len(fresh) > 0 {
		var err error
		inserted, err = e.queue.InsertIdentifiers(ctx, fresh)
		if err != nil {
			logger.Error("Failed to queue discovered channels", zap.Error(err))
			e.update(func(p *Progress) { p.Errors++ })
			return outcomeSkipped
		}
		for _, username := range fresh {
			known[username] = struct{}{}
		}
	}

	if err := e.queue.MarkParsed(ctx, source); err != nil {
		logger.Error("Failed to mark source parsed", zap.Error(err))
		e.update(func(p *Progress) { p.Errors++ })
		return outcomeSkipped
	}

	e.update(func(p *Progress) { p.Discovered += len(inserted) })
	if e.metrics != nil {
		e.metrics.ChannelsDiscovered.Add(float64(len(inserted)))
	}
	if len(inserted) > 0 {
		err := e.publisher.PublishDiscovered(ctx, events.Discovery{
			Source:       self,
			Account:      account,
			Usernames:    inserted,
			DiscoveredAt: e.cfg.Now(),
		})
		if err != nil {
			logger.Warn("Failed to publish discovery event", zap.Error(err))
		}
	}

	logger.Info("Source parsed",
		zap.String("account", account),
		zap.Int("recommendations", len(recs)),
		zap.Int("new", len(inserted)))
	return outcomeParsed
}

// consultProbe asks the spam probe about the account after a not-found
// streak. The streak is reset whatever the result.
func (e *Engine) consultProbe(ctx, callCtx context.Context, account string, client provider.Client, logger *zap.Logger) outcome {
	e.notFoundStreak = 0

	restricted, err := e.probe.Probe(callCtx, client)
	switch {
	case err != nil:
		logger.Warn("Spam probe failed", zap.Error(err))
		e.countProbe("error")
		return outcomeParsed
	case !restricted:
		logger.Info("Spam probe reports no restriction")
		e.countProbe("clear")
		return outcomeParsed
	}

	e.countProbe("restricted")
	e.countError(ratelimit.SuspectedSpamBan)
	logger.Warn("Account looks spam banned",
		zap.String("account", account),
		zap.Duration("window", e.cfg.SpamBanWindow))
	e.pool.MarkRateLimited(callCtx, account, e.cfg.SpamBanWindow, "suspected spam ban")

	// The source itself is already parsed; a failed rotation only ends the pass.
	if out, ok := e.rotate(ctx, 0, "spam_ban", logger); !ok {
		e.update(func(p *Progress) {
			if out == outcomeExhausted {
				p.Partial = true
			} else {
				p.Stopped = true
			}
		})
	}
	return outcomeParsed
}

// rotate switches accounts. ok is false when the pass cannot continue, with
// the outcome that ends it.
func (e *Engine) rotate(ctx context.Context, wait time.Duration, reason string, logger *zap.Logger) (outcome, bool) {
	e.lowYieldStreak = 0
	if e.metrics != nil {
		e.metrics.Rotations.WithLabelValues(reason).Inc()
	}

	acc, err := e.pool.Rotate(ctx, wait)
	e.setAvailableAccounts()
	if err != nil {
		return outcomeStopped, false
	}
	if acc == nil {
		logger.Warn("Account rotation exhausted", zap.String("reason", reason))
		return outcomeExhausted, false
	}
	logger.Info("Rotated account", zap.String("account", acc.Name), zap.String("reason", reason))
	e.update(func(p *Progress) { p.CurrentAccount = acc.Name })
	return outcomeParsed, true
}

func (e *Engine) update(fn func(p *Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.progress)
}

func (e *Engine) accountName() string {
	if acc := e.pool.Current(); acc != nil {
		return acc.Name
	}
	return ""
}

func (e *Engine) setAvailableAccounts() {
	if e.metrics != nil {
		e.metrics.AvailableAccounts.Set(float64(e.pool.AvailableCount()))
	}
}

func (e *Engine) countSource() {
	if e.metrics != nil {
		e.metrics.SourcesProcessed.Inc()
	}
}

func (e *Engine) countError(kind ratelimit.Kind) {
	if e.metrics != nil {
		e.metrics.CrawlErrors.WithLabelValues(kind.String()).Inc()
	}
}

func (e *Engine) countProbe(result string) {
	if e.metrics != nil {
		e.metrics.SpamProbes.WithLabelValues(result).Inc()
	}
}

func (e *Engine) countPass(result string) {
	if e.metrics != nil {
		e.metrics.Passes.WithLabelValues(result).Inc()
	}
}

func (e *Engine) observeDuration(d time.Duration) {
	if e.metrics != nil {
		e.metrics.SourceDuration.Observe(math.Max(d.Seconds(), 0))
	}
}
