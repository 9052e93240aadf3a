package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/broadcast"
	"github.com/dgnsrekt/presence-stream/internal/cache"
	"github.com/dgnsrekt/presence-stream/internal/presence"
)

// Fetcher returns the provider's current snapshot. It never fails.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) presence.Snapshot
}

// Options configures a Poller.
type Options struct {
	Name     string
	Interval time.Duration
	Differ   presence.Differ
	Names    presence.EventNames
	CacheKey string
	CacheTTL time.Duration
}

// Poller fetches on a fixed interval while its registry has subscribers,
// diffs each snapshot against the last one, and broadcasts resulting events.
type Poller struct {
	opts     Options
	fetcher  Fetcher
	registry *broadcast.Registry
	cache    cache.Cache
	logger   *zap.Logger
	task     *Task

	tickMu sync.Mutex // ticks never overlap, even across generations

	mu   sync.Mutex
	last *presence.Snapshot
}

func New(opts Options, fetcher Fetcher, registry *broadcast.Registry, c cache.Cache, logger *zap.Logger) *Poller {
	p := &Poller{
		opts:     opts,
		fetcher:  fetcher,
		registry: registry,
		cache:    c,
		logger:   logger,
	}
	p.task = NewTask(opts.Name, opts.Interval, p.tick, logger)
	return p
}

// Start begins polling. Starting a running poller is a no-op.
func (p *Poller) Start() bool {
	started := p.task.Start()
	if started {
		p.logger.Info("poller started",
			zap.String("provider", p.opts.Name),
			zap.Duration("interval", p.opts.Interval),
		)
	}
	return started
}

// Stop halts polling. Stopping a stopped poller is a no-op.
func (p *Poller) Stop() bool {
	stopped := p.task.Stop()
	if stopped {
		p.logger.Info("poller stopped", zap.String("provider", p.opts.Name))
	}
	return stopped
}

// Wait blocks until the last tick goroutine exits or ctx is done.
func (p *Poller) Wait(ctx context.Context) error {
	return p.task.Wait(ctx)
}

func (p *Poller) Running() bool {
	return p.task.Running()
}

// Seed sets the last known state when there is none yet.
func (p *Poller) Seed(s presence.Snapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last != nil {
		return false
	}
	p.last = &s
	return true
}

// Rebase makes s the diff base for the next run. While the poller is running
// with a known state it is a no-op, as Seed.
func (p *Poller) Rebase(s presence.Snapshot) bool {
	running := p.task.Running()

	p.mu.Lock()
	defer p.mu.Unlock()
	if running && p.last != nil {
		return false
	}
	p.last = &s
	return true
}

// Last returns the last observed snapshot.
func (p *Poller) Last() (presence.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return presence.Snapshot{}, false
	}
	return *p.last, true
}

// Reset forgets the last observed snapshot.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.last = nil
	p.mu.Unlock()
}

func (p *Poller) tick(ctx context.Context) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	if p.task.StopIf(ctx, func() bool { return p.registry.Count() == 0 }) {
		p.logger.Info("no subscribers, poller stopped", zap.String("provider", p.opts.Name))
		return
	}

	// a stop during the call lets it finish; the result is dropped below
	snap := p.fetcher.FetchSnapshot(context.WithoutCancel(ctx))
	if ctx.Err() != nil {
		p.logger.Debug("discarding result of stopped poll", zap.String("provider", p.opts.Name))
		return
	}

	if snap.Degraded() {
		p.logger.Warn("degraded snapshot",
			zap.String("provider", p.opts.Name),
			zap.String("error", snap.Error),
			zap.String("details", snap.Details),
			zap.Bool("stale", snap.Stale),
		)
	}

	p.mu.Lock()
	ev := p.opts.Differ.Diff(p.last, snap)
	p.last = &snap
	p.mu.Unlock()

	if ev == nil {
		return
	}

	name := p.opts.Names.Name(ev.Kind)
	if err := p.cache.Set(context.WithoutCancel(ctx), p.opts.CacheKey, ev.Snapshot, p.opts.CacheTTL); err != nil {
		p.logger.Warn("caching last state",
			zap.String("provider", p.opts.Name),
			zap.Error(err),
		)
	}

	sent := p.registry.Broadcast(broadcast.Message{Name: name, Data: ev.Snapshot})
	p.logger.Debug("event broadcast",
		zap.String("provider", p.opts.Name),
		zap.String("event", name),
		zap.Int("subscribers", sent),
	)
}
