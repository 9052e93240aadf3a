package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/config"
	"github.com/dgnsrekt/presence-stream/internal/presence"
)

const (
	msgSteamFailed    = "Failed to fetch player status"
	msgPlayerNotFound = "Player not found"

	steamStoreURL  = "https://store.steampowered.com/app/%s/"
	steamHeaderURL = "https://shared.akamai.steamstatic.com/store_item_assets/steam/apps/%s/header.jpg"
)

var personaStates = map[int]string{
	0: "offline",
	1: "online",
	2: "busy",
	3: "away",
	4: "snooze",
	5: "looking_to_trade",
	6: "looking_to_play",
}

// PersonaLabel maps a Steam persona state to its label; unknown states are offline.
func PersonaLabel(state int) string {
	if label, ok := personaStates[state]; ok {
		return label
	}
	return "offline"
}

// SteamClient polls GetPlayerSummaries for a single steam id.
type SteamClient struct {
	base
	cfg config.SteamConfig
}

type playerSummaries struct {
	Response struct {
		Players []steamPlayer `json:"players"`
	} `json:"response"`
}

type steamPlayer struct {
	SteamID       string `json:"steamid"`
	PersonaName   string `json:"personaname"`
	ProfileURL    string `json:"profileurl"`
	AvatarFull    string `json:"avatarfull"`
	AvatarMedium  string `json:"avatarmedium"`
	PersonaState  int    `json:"personastate"`
	LastLogoff    int64  `json:"lastlogoff"`
	GameExtraInfo string `json:"gameextrainfo"`
	GameID        string `json:"gameid"`
}

// NewSteamClient creates a client with its own ledger.
func NewSteamClient(cfg config.SteamConfig, onThrottle ThrottleFunc, logger *zap.Logger) *SteamClient {
	return &SteamClient{
		base: newBase("steam", cfg.ProviderConfig, nil, onThrottle, logger),
		cfg:  cfg,
	}
}

func (c *SteamClient) Configured() bool {
	return c.cfg.Configured()
}

// FetchSnapshot returns the player's current presence, or the best fallback.
func (c *SteamClient) FetchSnapshot(ctx context.Context) presence.Snapshot {
	if !c.Configured() {
		c.logger.Warn("service not configured")
		return presence.Inactive("Steam service not configured")
	}

	snap, err := c.summaries(ctx)
	if err != nil {
		if isRateLimit(err) {
			c.logger.Warn("rate limit protection, using last known state", zap.Error(err))
			return c.fallback(presence.Inactive(msgRateLimited))
		}
		c.logger.Error("fetching player summaries", zap.Error(err))
		return c.fallback(presence.Unavailable(msgSteamFailed, err))
	}

	return c.remember(snap)
}

func (c *SteamClient) summaries(ctx context.Context) (presence.Snapshot, error) {
	if err := c.ledger.Acquire(); err != nil {
		return presence.Snapshot{}, err
	}

	u, err := url.Parse(c.cfg.SummariesURL)
	if err != nil {
		return presence.Snapshot{}, fmt.Errorf("parsing summaries url: %w", err)
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	q.Set("steamids", c.cfg.SteamID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return presence.Snapshot{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the url carries the api key
		if ue, ok := err.(*url.Error); ok {
			err = ue.Err
		}
		return presence.Snapshot{}, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.throttle(resp.Header)
		return presence.Snapshot{}, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return presence.Snapshot{}, fmt.Errorf("%w: summaries returned %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return presence.Snapshot{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return presence.Snapshot{}, fmt.Errorf("reading response: %w", err)
	}

	var ps playerSummaries
	if err := json.Unmarshal(body, &ps); err != nil {
		return presence.Snapshot{}, fmt.Errorf("decoding response: %w", err)
	}

	if len(ps.Response.Players) == 0 {
		c.logger.Warn("no player found", zap.String("steamID", c.cfg.SteamID))
		return presence.Inactive(msgPlayerNotFound), nil
	}

	return playerSnapshot(ps.Response.Players[0]), nil
}

func playerSnapshot(p steamPlayer) presence.Snapshot {
	avatar := p.AvatarFull
	if avatar == "" {
		avatar = p.AvatarMedium
	}

	if p.GameExtraInfo != "" && p.GameID != "" {
		return presence.Snapshot{
			Active:       true,
			Status:       "playing",
			GameID:       p.GameID,
			GameName:     p.GameExtraInfo,
			GameURL:      fmt.Sprintf(steamStoreURL, p.GameID),
			GameImage:    fmt.Sprintf(steamHeaderURL, p.GameID),
			PlayerName:   p.PersonaName,
			PlayerAvatar: avatar,
			PlayerURL:    p.ProfileURL,
			PersonaState: PersonaLabel(p.PersonaState),
		}
	}

	snap := presence.Snapshot{
		Status:       PersonaLabel(p.PersonaState),
		PlayerName:   p.PersonaName,
		PlayerAvatar: avatar,
		PlayerURL:    p.ProfileURL,
	}
	if p.LastLogoff > 0 {
		snap.LastLogoff = time.Unix(p.LastLogoff, 0).UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return snap
}

func (c *SteamClient) Stats() Stats {
	return Stats{RateLimit: c.ledger.Stats()}
}
