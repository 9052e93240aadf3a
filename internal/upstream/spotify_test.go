package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/presence-stream/internal/config"
)

const trackJSON = `{
  "is_playing": true,
  "progress_ms": 42000,
  "currently_playing_type": "track",
  "item": {
    "name": "Windowlicker",
    "duration_ms": 367000,
    "artists": [{"name": "Aphex Twin"}, {"name": "Guest"}],
    "album": {"name": "Windowlicker EP", "images": [{"url": "https://img.example/large.jpg"}, {"url": "https://img.example/small.jpg"}]},
    "external_urls": {"spotify": "https://open.spotify.com/track/abc"}
  }
}`

type spotifyFake struct {
	server      *httptest.Server
	tokenCalls  atomic.Int32
	playerCalls atomic.Int32

	playerStatus  int
	playerBody    string
	retryAfter    string
	tokenStatus   int
	tokenLifetime int
}

func newSpotifyFake(t *testing.T) *spotifyFake {
	f := &spotifyFake{playerStatus: http.StatusOK, playerBody: trackJSON, tokenStatus: http.StatusOK, tokenLifetime: 3600}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			t.Errorf("unexpected basic auth %q:%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "refresh" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "access-1", "expires_in": f.tokenLifetime})
	})
	mux.HandleFunc("/v1/me/player/currently-playing", func(w http.ResponseWriter, r *http.Request) {
		f.playerCalls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if f.retryAfter != "" {
			w.Header().Set("Retry-After", f.retryAfter)
		}
		w.WriteHeader(f.playerStatus)
		if f.playerStatus == http.StatusOK {
			_, _ = w.Write([]byte(f.playerBody))
		}
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func spotifyConfig(baseURL string) config.SpotifyConfig {
	return config.SpotifyConfig{
		ProviderConfig: config.ProviderConfig{
			Enabled:           true,
			Quota:             180,
			Window:            30 * time.Second,
			SafetyMargin:      0.9,
			HealthyFraction:   0.8,
			PollInterval:      time.Second,
			DefaultRetryAfter: 30 * time.Second,
			Timeout:           5 * time.Second,
		},
		ClientID:          "client",
		ClientSecret:      "secret",
		RefreshToken:      "refresh",
		TokenURL:          baseURL + "/api/token",
		NowPlayingURL:     baseURL + "/v1/me/player/currently-playing",
		TokenExpiryBuffer: 5 * time.Minute,
	}
}

func newTestSpotify(t *testing.T, cfg config.SpotifyConfig) (*SpotifyClient, *fakeClock) {
	clock := newFakeClock()
	c := NewSpotifyClient(cfg, nil, zaptest.NewLogger(t))
	c.now = clock.Now
	c.ledger.now = clock.Now
	return c, clock
}

func TestSpotifyFetchTrack(t *testing.T) {
	f := newSpotifyFake(t)
	c, clock := newTestSpotify(t, spotifyConfig(f.server.URL))

	snap := c.FetchSnapshot(context.Background())

	assert.True(t, snap.Active)
	assert.Equal(t, "Windowlicker", snap.Title)
	assert.Equal(t, "Aphex Twin, Guest", snap.Artist)
	assert.Equal(t, "Windowlicker EP", snap.Album)
	assert.Equal(t, "https://img.example/large.jpg", snap.AlbumImageURL)
	assert.Equal(t, "https://open.spotify.com/track/abc", snap.SongURL)
	assert.Equal(t, int64(42000), snap.ProgressMs)
	assert.Equal(t, int64(367000), snap.DurationMs)
	assert.False(t, snap.Stale)
	assert.Equal(t, clock.Now(), snap.ObservedAt)

	// token refresh and the player call both count against the budget
	assert.Equal(t, 2, c.ledger.Count())

	last, ok := c.ledger.LastGood()
	require.True(t, ok)
	assert.True(t, last.Equal(snap))
}

func TestSpotifyTokenCachedUntilBuffer(t *testing.T) {
	f := newSpotifyFake(t)
	c, clock := newTestSpotify(t, spotifyConfig(f.server.URL))

	c.FetchSnapshot(context.Background())
	c.FetchSnapshot(context.Background())
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	stats := c.Stats()
	require.NotNil(t, stats.Token)
	assert.True(t, stats.Token.Cached)
	require.NotNil(t, stats.Token.ExpiresAt)
	assert.Equal(t, clock.Now().Add(55*time.Minute), *stats.Token.ExpiresAt)

	// 3600s lifetime minus the 5 minute buffer
	clock.Advance(55*time.Minute - time.Second)
	c.FetchSnapshot(context.Background())
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	clock.Advance(time.Second)
	c.FetchSnapshot(context.Background())
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestSpotifyTokenDefaultLifetime(t *testing.T) {
	f := newSpotifyFake(t)
	f.tokenLifetime = 0
	c, clock := newTestSpotify(t, spotifyConfig(f.server.URL))

	c.FetchSnapshot(context.Background())

	stats := c.Stats()
	require.NotNil(t, stats.Token.ExpiresAt)
	assert.Equal(t, clock.Now().Add(55*time.Minute), *stats.Token.ExpiresAt)
}

func TestSpotifyNoContent(t *testing.T) {
	f := newSpotifyFake(t)
	f.playerStatus = http.StatusNoContent
	c, _ := newTestSpotify(t, spotifyConfig(f.server.URL))

	snap := c.FetchSnapshot(context.Background())

	assert.False(t, snap.Active)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.Title)
	_, ok := c.ledger.LastGood()
	assert.True(t, ok, "an inactive answer is still a successful fetch")
}

func TestSpotifyPodcast(t *testing.T) {
	f := newSpotifyFake(t)
	f.playerBody = `{"is_playing": true, "currently_playing_type": "episode", "item": null}`
	c, _ := newTestSpotify(t, spotifyConfig(f.server.URL))

	snap := c.FetchSnapshot(context.Background())

	assert.False(t, snap.Active)
	assert.Equal(t, "Playing Podcast/Unknown", snap.Message)
}

func TestSpotifyNotConfigured(t *testing.T) {
	f := newSpotifyFake(t)
	cfg := spotifyConfig(f.server.URL)
	cfg.RefreshToken = ""
	c, _ := newTestSpotify(t, cfg)

	snap := c.FetchSnapshot(context.Background())

	assert.False(t, snap.Active)
	assert.Equal(t, "Spotify service not configured", snap.Error)
	assert.Zero(t, f.tokenCalls.Load())
	assert.Zero(t, f.playerCalls.Load())
	assert.Zero(t, c.ledger.Count())
}

func TestSpotifyBudgetFallback(t *testing.T) {
	f := newSpotifyFake(t)
	cfg := spotifyConfig(f.server.URL)
	cfg.Quota = 10
	cfg.SafetyMargin = 0.5 // five requests per window
	c, _ := newTestSpotify(t, cfg)

	// one token refresh plus four player calls fill the window
	first := c.FetchSnapshot(context.Background())
	for i := 0; i < 3; i++ {
		c.FetchSnapshot(context.Background())
	}
	require.Equal(t, int32(4), f.playerCalls.Load())
	require.Equal(t, 5, c.ledger.Count())

	snap := c.FetchSnapshot(context.Background())

	assert.Equal(t, int32(4), f.playerCalls.Load(), "no network call past the safe limit")
	assert.True(t, snap.Stale)
	assert.Equal(t, first.Title, snap.Title)
}

func TestSpotifyBudgetFallbackWithoutHistory(t *testing.T) {
	f := newSpotifyFake(t)
	c, _ := newTestSpotify(t, spotifyConfig(f.server.URL))
	c.ledger.Throttle(time.Minute)

	snap := c.FetchSnapshot(context.Background())

	assert.False(t, snap.Active)
	assert.Equal(t, "Rate limit protection active", snap.Error)
	assert.Zero(t, f.tokenCalls.Load())
}

func TestSpotifyRetryAfter(t *testing.T) {
	f := newSpotifyFake(t)
	var throttled atomic.Int32
	cfg := spotifyConfig(f.server.URL)
	clock := newFakeClock()
	c := NewSpotifyClient(cfg, func(provider string, until time.Time) {
		assert.Equal(t, "spotify", provider)
		assert.Equal(t, clock.Now().Add(12*time.Second), until)
		throttled.Add(1)
	}, zaptest.NewLogger(t))
	c.now = clock.Now
	c.ledger.now = clock.Now

	good := c.FetchSnapshot(context.Background())
	require.True(t, good.Active)

	f.playerStatus = http.StatusTooManyRequests
	f.retryAfter = "12"
	snap := c.FetchSnapshot(context.Background())

	assert.Equal(t, int32(1), throttled.Load())
	assert.True(t, snap.Stale)
	assert.Equal(t, good.Title, snap.Title)

	calls := f.playerCalls.Load()
	clock.Advance(11 * time.Second)
	c.FetchSnapshot(context.Background())
	assert.Equal(t, calls, f.playerCalls.Load(), "no calls before retry-after elapses")

	f.playerStatus = http.StatusOK
	f.retryAfter = ""
	clock.Advance(time.Second)
	snap = c.FetchSnapshot(context.Background())
	assert.Equal(t, calls+1, f.playerCalls.Load())
	assert.False(t, snap.Stale)
}

func TestSpotifyRetryAfterDefault(t *testing.T) {
	f := newSpotifyFake(t)
	f.playerStatus = http.StatusTooManyRequests
	c, clock := newTestSpotify(t, spotifyConfig(f.server.URL))

	snap := c.FetchSnapshot(context.Background())
	assert.Equal(t, "Rate limit protection active", snap.Error)

	stats := c.Stats()
	require.NotNil(t, stats.RateLimit.RetryAfter)
	assert.Equal(t, clock.Now().Add(30*time.Second), *stats.RateLimit.RetryAfter)
}

func TestSpotifyMalformedPayload(t *testing.T) {
	f := newSpotifyFake(t)
	f.playerBody = `{"is_playing": tru`
	c, _ := newTestSpotify(t, spotifyConfig(f.server.URL))

	snap := c.FetchSnapshot(context.Background())

	assert.False(t, snap.Active)
	assert.Equal(t, "Failed to fetch current song", snap.Error)
	assert.NotEmpty(t, snap.Details)
}

func TestSpotifyServerErrorUsesLastGood(t *testing.T) {
	f := newSpotifyFake(t)
	c, _ := newTestSpotify(t, spotifyConfig(f.server.URL))

	good := c.FetchSnapshot(context.Background())
	f.playerStatus = http.StatusBadGateway
	snap := c.FetchSnapshot(context.Background())

	assert.True(t, snap.Stale)
	assert.Equal(t, good.Title, snap.Title)
	assert.Equal(t, good.ObservedAt, snap.ObservedAt)
}

func TestSpotifyTokenFailure(t *testing.T) {
	f := newSpotifyFake(t)
	f.tokenStatus = http.StatusBadRequest
	c, _ := newTestSpotify(t, spotifyConfig(f.server.URL))

	snap := c.FetchSnapshot(context.Background())

	assert.Equal(t, "Failed to get access token", snap.Error)
	assert.Zero(t, f.playerCalls.Load())
	assert.False(t, c.Stats().Token.Cached)
}

func TestSpotifyTokenRefreshReusesPreviousToken(t *testing.T) {
	f := newSpotifyFake(t)
	c, clock := newTestSpotify(t, spotifyConfig(f.server.URL))

	c.FetchSnapshot(context.Background())
	clock.Advance(56 * time.Minute)
	f.tokenStatus = http.StatusInternalServerError

	snap := c.FetchSnapshot(context.Background())

	assert.Equal(t, int32(2), f.tokenCalls.Load())
	assert.Equal(t, int32(2), f.playerCalls.Load())
	assert.True(t, snap.Active)
	assert.False(t, snap.Stale)
}
