package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/broadcast"
	"github.com/dgnsrekt/presence-stream/internal/cache"
	"github.com/dgnsrekt/presence-stream/internal/presence"
)

// Poller is the part of the provider poller a session drives.
type Poller interface {
	Start() bool
	Rebase(s presence.Snapshot) bool
}

// Fetcher returns a fresh snapshot when nothing is cached.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) presence.Snapshot
}

// Session runs the lifecycle of one subscriber connection for a provider.
type Session struct {
	Provider   string
	Registry   *broadcast.Registry
	Poller     Poller
	Fetcher    Fetcher
	Cache      cache.Cache
	CacheKey   string
	InitialTTL time.Duration
	UpdateName string
	Heartbeat  time.Duration
	Logger     *zap.Logger
}

// Run registers stream, replays the last known state to it, makes sure the poller
// is running, and then keeps the connection alive with heartbeats until the
// client goes away, a write fails, or the registry prunes the stream.
func (sess *Session) Run(ctx context.Context, stream broadcast.Stream) {
	logger := sess.Logger.With(
		zap.String("provider", sess.Provider),
		zap.String("id", stream.ID()),
	)

	// broadcasts that land before the replay are held until it is written
	s := &gatedStream{Stream: stream}
	sess.Registry.Register(s)
	defer func() {
		sess.Registry.Deregister(s)
		_ = s.Close()
		logger.Info("subscriber disconnected", zap.Int("subscribers", sess.Registry.Count()))
	}()
	logger.Info("subscriber connected", zap.Int("subscribers", sess.Registry.Count()))

	snap, source := sess.replay(ctx, logger)
	if err := s.open(broadcast.Message{Name: sess.UpdateName, Data: snap}); err != nil {
		logger.Debug("initial state write failed", zap.Error(err))
		return
	}
	logger.Debug("initial state sent", zap.String("source", source))

	if sess.Poller.Start() {
		logger.Debug("first subscriber started the poller")
	}

	ticker := time.NewTicker(sess.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
			if err := s.Comment("heartbeat"); err != nil {
				logger.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

// replay returns the cached last state, or a freshly fetched one which is then
// written back to the cache. Either way it becomes the poller's diff base
// unless a run is already in progress.
func (sess *Session) replay(ctx context.Context, logger *zap.Logger) (presence.Snapshot, string) {
	var snap presence.Snapshot
	ok, err := sess.Cache.Get(ctx, sess.CacheKey, &snap)
	if err != nil {
		logger.Warn("reading cached state", zap.Error(err))
	}
	if ok {
		sess.Poller.Rebase(snap)
		return snap, "cache"
	}

	snap = sess.Fetcher.FetchSnapshot(ctx)
	// errors are not replayed to later subscribers
	if snap.Error == "" {
		if err := sess.Cache.Set(ctx, sess.CacheKey, snap, sess.InitialTTL); err != nil {
			logger.Warn("caching initial state", zap.Error(err))
		}
	}
	sess.Poller.Rebase(snap)
	return snap, "api"
}

// gatedStream queues messages until open writes the first one.
type gatedStream struct {
	broadcast.Stream

	mu      sync.Mutex
	opened  bool
	pending []broadcast.Message
}

func (g *gatedStream) Send(msg broadcast.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.opened {
		g.pending = append(g.pending, msg)
		return nil
	}
	return g.Stream.Send(msg)
}

// open writes first, then everything queued before it.
func (g *gatedStream) open(first broadcast.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.Stream.Send(first); err != nil {
		return err
	}
	for _, msg := range g.pending {
		if err := g.Stream.Send(msg); err != nil {
			return err
		}
	}
	g.pending = nil
	g.opened = true
	return nil
}
