// Package provider assembles everything that belongs to one upstream provider:
// client, ledger, registry, poller and session settings.
package provider

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/broadcast"
	"github.com/dgnsrekt/presence-stream/internal/cache"
	"github.com/dgnsrekt/presence-stream/internal/config"
	"github.com/dgnsrekt/presence-stream/internal/poller"
	"github.com/dgnsrekt/presence-stream/internal/presence"
	"github.com/dgnsrekt/presence-stream/internal/stream"
	"github.com/dgnsrekt/presence-stream/internal/upstream"
)

// Provider is built once per provider at startup and shared by every handler.
type Provider struct {
	Name     string
	Settings config.ProviderConfig
	Client   upstream.Client
	Registry *broadcast.Registry
	Poller   *poller.Poller
	Cache    cache.Cache
	CacheKey string
	Names    presence.EventNames

	logger *zap.Logger
}

// Stats is the observable state of a provider.
type Stats struct {
	RateLimit   upstream.LedgerStats `json:"rateLimit"`
	Token       *upstream.TokenStats `json:"token,omitempty"`
	Cache       CacheStats           `json:"cache"`
	Subscribers int                  `json:"subscribers"`
	Polling     bool                 `json:"polling"`
}

type CacheStats struct {
	HasLastData bool `json:"hasLastData"`
}

// New wires client into a registry, poller and cache.
func New(name string, settings config.ProviderConfig, client upstream.Client, differ presence.Differ, names presence.EventNames, c cache.Cache, logger *zap.Logger) *Provider {
	logger = logger.With(zap.String("provider", name))
	registry := broadcast.NewRegistry(name, logger)
	key := cache.LastStateKey(name)

	p := &Provider{
		Name:     name,
		Settings: settings,
		Client:   client,
		Registry: registry,
		Cache:    c,
		CacheKey: key,
		Names:    names,
		logger:   logger,
	}
	p.Poller = poller.New(poller.Options{
		Name:     name,
		Interval: settings.PollInterval,
		Differ:   differ,
		Names:    names,
		CacheKey: key,
		CacheTTL: settings.CacheTTL,
	}, client, registry, c, logger)
	return p
}

// NewSpotify builds the music provider.
func NewSpotify(cfg config.SpotifyConfig, c cache.Cache, onThrottle upstream.ThrottleFunc, logger *zap.Logger) *Provider {
	client := upstream.NewSpotifyClient(cfg, onThrottle, logger)
	differ := presence.MusicDiffer(cfg.PollInterval, cfg.SeekThreshold)
	return New("spotify", cfg.ProviderConfig, client, differ, presence.SpotifyEventNames, c, logger)
}

// NewSteam builds the game-presence provider.
func NewSteam(cfg config.SteamConfig, c cache.Cache, onThrottle upstream.ThrottleFunc, logger *zap.Logger) *Provider {
	client := upstream.NewSteamClient(cfg, onThrottle, logger)
	differ := presence.PresenceDiffer(cfg.PollInterval, cfg.TrackStatus)
	return New("steam", cfg.ProviderConfig, client, differ, presence.SteamEventNames, c, logger)
}

// FromConfig builds every enabled provider.
func FromConfig(cfg *config.Config, c cache.Cache, onThrottle upstream.ThrottleFunc, logger *zap.Logger) []*Provider {
	var out []*Provider
	if cfg.Spotify.Enabled {
		out = append(out, NewSpotify(cfg.Spotify, c, onThrottle, logger))
	}
	if cfg.Steam.Enabled {
		out = append(out, NewSteam(cfg.Steam, c, onThrottle, logger))
	}
	return out
}

// Session returns the session settings for a new subscriber.
func (p *Provider) Session() *stream.Session {
	return &stream.Session{
		Provider:   p.Name,
		Registry:   p.Registry,
		Poller:     p.Poller,
		Fetcher:    p.Client,
		Cache:      p.Cache,
		CacheKey:   p.CacheKey,
		InitialTTL: p.Settings.InitialCacheTTL,
		UpdateName: p.Names.Name(presence.KindUpdate),
		Heartbeat:  p.Settings.HeartbeatInterval,
		Logger:     p.logger,
	}
}

// Current returns the snapshot served by the polling endpoint and whether it
// is live ("api") or a fallback ("cache").
func (p *Provider) Current(ctx context.Context) (presence.Snapshot, string) {
	snap := p.Client.FetchSnapshot(ctx)
	if snap.Degraded() {
		return snap, "cache"
	}
	return snap, "api"
}

// Stats combines upstream stats with subscriber and poller state.
func (p *Provider) Stats() Stats {
	us := p.Client.Stats()
	return Stats{
		RateLimit:   us.RateLimit,
		Token:       us.Token,
		Cache:       CacheStats{HasLastData: us.RateLimit.HasLastData},
		Subscribers: p.Registry.Count(),
		Polling:     p.Poller.Running(),
	}
}

// Reset drops the cached last state and the poller's memory of it.
func (p *Provider) Reset(ctx context.Context) error {
	p.Poller.Reset()
	return p.Cache.Invalidate(ctx, p.CacheKey)
}

// Shutdown stops polling and closes all subscriber streams.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.Poller.Stop()
	p.Registry.CloseAll()
	return p.Poller.Wait(ctx)
}

// HTTPCacheMaxAge is the max-age advertised by the polling endpoint.
func (p *Provider) HTTPCacheMaxAge() time.Duration {
	return p.Settings.HTTPCacheMaxAge
}
