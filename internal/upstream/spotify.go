package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/config"
	"github.com/dgnsrekt/presence-stream/internal/presence"
)

const (
	msgRateLimited       = "Rate limit protection active"
	msgSpotifyFailed     = "Failed to fetch current song"
	msgSpotifyNoToken    = "Failed to get access token"
	msgNonTrack          = "Playing Podcast/Unknown"
	defaultTokenLifetime = 3600 * time.Second
)

// SpotifyClient polls the currently-playing endpoint using a refresh-token grant.
type SpotifyClient struct {
	base
	cfg config.SpotifyConfig

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type nowPlayingResponse struct {
	IsPlaying            bool   `json:"is_playing"`
	ProgressMs           int64  `json:"progress_ms"`
	CurrentlyPlayingType string `json:"currently_playing_type"`
	Item                 *struct {
		Name       string `json:"name"`
		DurationMs int64  `json:"duration_ms"`
		Artists    []struct {
			Name string `json:"name"`
		} `json:"artists"`
		Album struct {
			Name   string `json:"name"`
			Images []struct {
				URL string `json:"url"`
			} `json:"images"`
		} `json:"album"`
		ExternalURLs struct {
			Spotify string `json:"spotify"`
		} `json:"external_urls"`
	} `json:"item"`
}

// NewSpotifyClient creates a client with its own ledger.
func NewSpotifyClient(cfg config.SpotifyConfig, onThrottle ThrottleFunc, logger *zap.Logger) *SpotifyClient {
	return &SpotifyClient{
		base: newBase("spotify", cfg.ProviderConfig, nil, onThrottle, logger),
		cfg:  cfg,
	}
}

func (c *SpotifyClient) Configured() bool {
	return c.cfg.Configured()
}

// FetchSnapshot returns what is playing right now, or the best fallback.
func (c *SpotifyClient) FetchSnapshot(ctx context.Context) presence.Snapshot {
	if !c.Configured() {
		c.logger.Warn("service not configured")
		return presence.Inactive("Spotify service not configured")
	}

	if err := c.ledger.Available(); err != nil {
		c.logger.Warn("rate limit protection, using last known state", zap.Error(err))
		return c.fallback(presence.Inactive(msgRateLimited))
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		if isRateLimit(err) {
			c.logger.Warn("token refresh rate limited, using last known state", zap.Error(err))
			return c.fallback(presence.Inactive(msgRateLimited))
		}
		c.logger.Error("access token unavailable", zap.Error(err))
		return c.fallback(presence.Unavailable(msgSpotifyNoToken, err))
	}

	snap, err := c.nowPlaying(ctx, token)
	if err != nil {
		if isRateLimit(err) {
			c.logger.Warn("rate limited, using last known state", zap.Error(err))
			return c.fallback(presence.Inactive(msgRateLimited))
		}
		c.logger.Error("fetching now playing", zap.Error(err))
		return c.fallback(presence.Unavailable(msgSpotifyFailed, err))
	}

	return c.remember(snap)
}

func (c *SpotifyClient) nowPlaying(ctx context.Context, token string) (presence.Snapshot, error) {
	if err := c.ledger.Acquire(); err != nil {
		return presence.Snapshot{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.NowPlayingURL, nil)
	if err != nil {
		return presence.Snapshot{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return presence.Snapshot{}, fmt.Errorf("executing request: %w", err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.throttle(resp.Header)
		return presence.Snapshot{}, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		c.dropToken()
		return presence.Snapshot{}, fmt.Errorf("%w: now playing returned 401", ErrAuthFailed)
	case resp.StatusCode == http.StatusNoContent:
		return presence.Snapshot{}, nil
	case resp.StatusCode != http.StatusOK:
		return presence.Snapshot{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if readErr != nil {
		return presence.Snapshot{}, fmt.Errorf("reading response: %w", readErr)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return presence.Snapshot{}, nil
	}

	var np nowPlayingResponse
	if err := json.Unmarshal(body, &np); err != nil {
		return presence.Snapshot{}, fmt.Errorf("decoding response: %w", err)
	}

	if np.CurrentlyPlayingType != "track" || np.Item == nil {
		return presence.Snapshot{Message: msgNonTrack}, nil
	}

	artists := make([]string, 0, len(np.Item.Artists))
	for _, a := range np.Item.Artists {
		artists = append(artists, a.Name)
	}

	snap := presence.Snapshot{
		Active:     np.IsPlaying,
		Title:      np.Item.Name,
		Artist:     strings.Join(artists, ", "),
		Album:      np.Item.Album.Name,
		SongURL:    np.Item.ExternalURLs.Spotify,
		ProgressMs: np.ProgressMs,
		DurationMs: np.Item.DurationMs,
	}
	if len(np.Item.Album.Images) > 0 {
		snap.AlbumImageURL = np.Item.Album.Images[0].URL
	}
	return snap, nil
}

// accessToken returns the cached token or refreshes it. A refresh refused by
// the ledger, or one that fails, falls back to the previous token when there is one.
func (c *SpotifyClient) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.now()
	if c.token != "" && now.Before(c.tokenExpiry) {
		return c.token, nil
	}

	if err := c.ledger.Acquire(); err != nil {
		if c.token != "" {
			c.logger.Warn("token refresh skipped, reusing previous token", zap.Error(err))
			return c.token, nil
		}
		return "", err
	}

	token, lifetime, err := c.refresh(ctx)
	if err != nil {
		if c.token != "" {
			c.logger.Warn("token refresh failed, reusing previous token", zap.Error(err))
			return c.token, nil
		}
		return "", err
	}

	c.token = token
	c.tokenExpiry = c.now().Add(lifetime - c.cfg.TokenExpiryBuffer)
	c.logger.Info("access token refreshed", zap.Duration("validFor", lifetime-c.cfg.TokenExpiryBuffer))
	return token, nil
}

func (c *SpotifyClient) refresh(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", c.cfg.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("creating token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("executing token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.throttle(resp.Header)
		return "", 0, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, fmt.Errorf("%w: token endpoint returned %d: %s", ErrAuthFailed, resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: empty access token", ErrAuthFailed)
	}

	lifetime := defaultTokenLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}
	return tr.AccessToken, lifetime, nil
}

func (c *SpotifyClient) dropToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = ""
	c.tokenExpiry = time.Time{}
}

// Stats includes the token cache state alongside the ledger.
func (c *SpotifyClient) Stats() Stats {
	c.tokenMu.Lock()
	ts := &TokenStats{Cached: c.token != "" && c.now().Before(c.tokenExpiry)}
	if c.token != "" {
		exp := c.tokenExpiry.UTC()
		ts.ExpiresAt = &exp
	}
	c.tokenMu.Unlock()

	return Stats{RateLimit: c.ledger.Stats(), Token: ts}
}
