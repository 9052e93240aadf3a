// Package upstream talks to the rate-limited third-party APIs and normalizes
// their responses into presence snapshots.
package upstream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/config"
	"github.com/dgnsrekt/presence-stream/internal/presence"
)

// Client fetches the current snapshot of one provider. FetchSnapshot never fails:
// every error path resolves to a degraded snapshot.
type Client interface {
	Name() string
	Configured() bool
	FetchSnapshot(ctx context.Context) presence.Snapshot
	Stats() Stats
}

// ThrottleFunc is called when an upstream answers 429.
type ThrottleFunc func(provider string, until time.Time)

// Stats is the observable state of a Client.
type Stats struct {
	RateLimit LedgerStats `json:"rateLimit"`
	Token     *TokenStats `json:"token,omitempty"`
}

// TokenStats describes a cached access token.
type TokenStats struct {
	Cached    bool       `json:"cached"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// BudgetFor converts provider configuration into a ledger budget.
func BudgetFor(cfg config.ProviderConfig) Budget {
	return Budget{
		Quota:           cfg.Quota,
		Window:          cfg.Window,
		SafetyMargin:    cfg.SafetyMargin,
		HealthyFraction: cfg.HealthyFraction,
	}
}

// base carries what every provider client shares: HTTP transport, the ledger,
// and the fallback policy.
type base struct {
	name              string
	httpClient        *http.Client
	ledger            *Ledger
	defaultRetryAfter time.Duration
	onThrottle        ThrottleFunc
	logger            *zap.Logger
	now               func() time.Time
}

func newBase(name string, cfg config.ProviderConfig, ledger *Ledger, onThrottle ThrottleFunc, logger *zap.Logger) base {
	transport := &http.Transport{
		MaxIdleConns:    10,
		MaxConnsPerHost: 4,
		IdleConnTimeout: 90 * time.Second,
	}
	if ledger == nil {
		ledger = NewLedger(BudgetFor(cfg))
	}
	return base{
		name: name,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		ledger:            ledger,
		defaultRetryAfter: cfg.DefaultRetryAfter,
		onThrottle:        onThrottle,
		logger:            logger.With(zap.String("provider", name)),
		now:               time.Now,
	}
}

func (b *base) Name() string { return b.name }

// Ledger exposes the client's rate-limit ledger.
func (b *base) Ledger() *Ledger { return b.ledger }

// fallback returns the last good snapshot marked stale, or def when nothing has
// been fetched yet.
func (b *base) fallback(def presence.Snapshot) presence.Snapshot {
	if last, ok := b.ledger.LastGood(); ok {
		return last.AsStale()
	}
	return def
}

// remember stamps s with the sampling instant and stores it as last good.
func (b *base) remember(s presence.Snapshot) presence.Snapshot {
	s.ObservedAt = b.now()
	b.ledger.Remember(s)
	return s
}

// throttle records a 429 and returns when requests may resume.
func (b *base) throttle(h http.Header) time.Time {
	wait := parseRetryAfter(h.Get("Retry-After"), b.now(), b.defaultRetryAfter)
	until := b.ledger.Throttle(wait)

	b.logger.Error("upstream rate limit exceeded",
		zap.Duration("retryAfter", wait),
		zap.Time("until", until),
	)

	if b.onThrottle != nil {
		b.onThrottle(b.name, until)
	}
	return until
}

// maxRetryAfter bounds how long a single 429 can pause a provider.
const maxRetryAfter = 24 * time.Hour

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time, def time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return def
		}
		if secs > int(maxRetryAfter/time.Second) {
			return maxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil && t.After(now) {
		return min(t.Sub(now), maxRetryAfter)
	}
	return def
}

func isRateLimit(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrBudgetExhausted) || errors.Is(err, ErrRateLimited)
}
