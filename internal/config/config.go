package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Cache modes.
const (
	CacheModeMemory = "memory"
	CacheModeRedis  = "redis"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Spotify SpotifyConfig `mapstructure:"spotify"`
	Steam   SteamConfig   `mapstructure:"steam"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Port               string        `mapstructure:"port"`
	AdminToken         string        `mapstructure:"admin_token"`
	ConnectRate        float64       `mapstructure:"connect_rate"`  // new stream connections per second per client IP
	ConnectBurst       int           `mapstructure:"connect_burst"` // burst for ConnectRate
	StreamWriteTimeout time.Duration `mapstructure:"stream_write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

type CacheConfig struct {
	Mode     string `mapstructure:"mode"` // "memory" or "redis"
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the Redis connection.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProviderConfig holds the per-provider polling and rate-limit settings.
type ProviderConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Quota             int           `mapstructure:"quota"`
	Window            time.Duration `mapstructure:"window"`
	SafetyMargin      float64       `mapstructure:"safety_margin"`
	HealthyFraction   float64       `mapstructure:"healthy_fraction"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DefaultRetryAfter time.Duration `mapstructure:"default_retry_after"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	InitialCacheTTL   time.Duration `mapstructure:"initial_cache_ttl"`
	HTTPCacheMaxAge   time.Duration `mapstructure:"http_cache_max_age"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type SpotifyConfig struct {
	ProviderConfig    `mapstructure:",squash"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	RefreshToken      string        `mapstructure:"refresh_token"`
	TokenURL          string        `mapstructure:"token_url"`
	NowPlayingURL     string        `mapstructure:"now_playing_url"`
	TokenExpiryBuffer time.Duration `mapstructure:"token_expiry_buffer"`
	SeekThreshold     time.Duration `mapstructure:"seek_threshold"`
}

// Configured reports whether all credentials are present.
func (c SpotifyConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

type SteamConfig struct {
	ProviderConfig `mapstructure:",squash"`
	APIKey         string `mapstructure:"api_key"`
	SteamID        string `mapstructure:"steam_id"`
	SummariesURL   string `mapstructure:"summaries_url"`
	TrackStatus    bool   `mapstructure:"track_status"`
}

// Configured reports whether all credentials are present.
func (c SteamConfig) Configured() bool {
	return c.APIKey != "" && c.SteamID != ""
}

// NotifyConfig holds ntfy alert settings.
type NotifyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Topic    string `mapstructure:"topic"`
	Priority string `mapstructure:"priority"` // min, low, default, high, urgent
	Tags     string `mapstructure:"tags"`     // comma-separated emoji tags
	Token    string `mapstructure:"token"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.connect_rate", 2.0)
	v.SetDefault("server.connect_burst", 10)
	v.SetDefault("server.stream_write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("cache.mode", CacheModeMemory)
	v.SetDefault("cache.url", "")
	v.SetDefault("cache.host", "127.0.0.1")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 1)

	v.SetDefault("spotify.enabled", true)
	v.SetDefault("spotify.quota", 180)
	v.SetDefault("spotify.window", "30s")
	v.SetDefault("spotify.safety_margin", 0.9)
	v.SetDefault("spotify.healthy_fraction", 0.8)
	v.SetDefault("spotify.poll_interval", "1s")
	v.SetDefault("spotify.heartbeat_interval", "15s")
	v.SetDefault("spotify.default_retry_after", "30s")
	v.SetDefault("spotify.cache_ttl", "1h")
	v.SetDefault("spotify.initial_cache_ttl", "60s")
	v.SetDefault("spotify.http_cache_max_age", "5s")
	v.SetDefault("spotify.timeout", "10s")
	v.SetDefault("spotify.client_id", "")
	v.SetDefault("spotify.client_secret", "")
	v.SetDefault("spotify.refresh_token", "")
	v.SetDefault("spotify.token_url", "https://accounts.spotify.com/api/token")
	v.SetDefault("spotify.now_playing_url", "https://api.spotify.com/v1/me/player/currently-playing")
	v.SetDefault("spotify.token_expiry_buffer", "5m")
	v.SetDefault("spotify.seek_threshold", "2s")

	v.SetDefault("steam.enabled", true)
	v.SetDefault("steam.quota", 200)
	v.SetDefault("steam.window", "5m")
	v.SetDefault("steam.safety_margin", 0.8)
	v.SetDefault("steam.healthy_fraction", 0.6)
	v.SetDefault("steam.poll_interval", "10s")
	v.SetDefault("steam.heartbeat_interval", "30s")
	v.SetDefault("steam.default_retry_after", "30s")
	v.SetDefault("steam.cache_ttl", "1h")
	v.SetDefault("steam.initial_cache_ttl", "1h")
	v.SetDefault("steam.http_cache_max_age", "10s")
	v.SetDefault("steam.timeout", "10s")
	v.SetDefault("steam.api_key", "")
	v.SetDefault("steam.steam_id", "")
	v.SetDefault("steam.summaries_url", "https://api.steampowered.com/ISteamUser/GetPlayerSummaries/v0002/")
	v.SetDefault("steam.track_status", true)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.topic", "")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "warning")
	v.SetDefault("notify.token", "")

	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
}

// bindLegacyEnv keeps the variable names used by existing deployments working
// alongside the PRESENCE_ prefixed ones.
func bindLegacyEnv(v *viper.Viper) {
	bindings := map[string]string{
		"server.port":           "PORT",
		"spotify.client_id":     "SPOTIFY_CLIENT_ID",
		"spotify.client_secret": "SPOTIFY_CLIENT_SECRET",
		"spotify.refresh_token": "SPOTIFY_REFRESH_TOKEN",
		"steam.api_key":         "STEAM_API_KEY",
		"steam.steam_id":        "STEAM_ID",
		"cache.url":             "REDIS_URL",
		"cache.host":            "REDIS_HOST",
		"cache.port":            "REDIS_PORT",
		"cache.password":        "REDIS_PASSWORD",
		"notify.enabled":        "NTFY_ENABLED",
		"notify.server":         "NTFY_SERVER",
		"notify.topic":          "NTFY_TOPIC",
		"notify.priority":       "NTFY_PRIORITY",
		"notify.tags":           "NTFY_TAGS",
		"notify.token":          "NTFY_TOKEN",
	}
	for key, legacy := range bindings {
		prefixed := "PRESENCE_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		_ = v.BindEnv(key, prefixed, legacy)
	}
}

// Load reads configuration from an optional YAML file, .env, and environment
// variables, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Spotify.ProviderConfig.Validate(); err != nil {
		return fmt.Errorf("spotify: %w", err)
	}
	if err := validation.ValidateStruct(&c.Spotify,
		validation.Field(&c.Spotify.TokenURL, validation.Required, is.URL),
		validation.Field(&c.Spotify.NowPlayingURL, validation.Required, is.URL),
		validation.Field(&c.Spotify.TokenExpiryBuffer, validation.Min(time.Duration(0))),
		validation.Field(&c.Spotify.SeekThreshold, validation.Required),
	); err != nil {
		return fmt.Errorf("spotify: %w", err)
	}
	if err := c.Steam.ProviderConfig.Validate(); err != nil {
		return fmt.Errorf("steam: %w", err)
	}
	if err := validation.ValidateStruct(&c.Steam,
		validation.Field(&c.Steam.SummariesURL, validation.Required, is.URL),
	); err != nil {
		return fmt.Errorf("steam: %w", err)
	}
	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, is.Port),
		validation.Field(&c.ConnectRate, validation.Min(0.0)),
		validation.Field(&c.ConnectBurst, validation.Min(1)),
		validation.Field(&c.StreamWriteTimeout, validation.Required),
		validation.Field(&c.ShutdownTimeout, validation.Required),
	)
}

func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(CacheModeMemory, CacheModeRedis)),
		validation.Field(&c.Host, validation.When(c.Mode == CacheModeRedis && c.URL == "", validation.Required)),
		validation.Field(&c.Port, validation.When(c.Mode == CacheModeRedis && c.URL == "", validation.Required, validation.Min(1), validation.Max(65535))),
	)
}

func (c *ProviderConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Quota, validation.Required, validation.Min(1)),
		validation.Field(&c.Window, validation.Required),
		validation.Field(&c.SafetyMargin, validation.Required, validation.Min(0.01), validation.Max(1.0)),
		validation.Field(&c.HealthyFraction, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.HeartbeatInterval, validation.Required),
		validation.Field(&c.DefaultRetryAfter, validation.Required),
		validation.Field(&c.CacheTTL, validation.Required),
		validation.Field(&c.InitialCacheTTL, validation.Required),
		validation.Field(&c.Timeout, validation.Required),
	)
}

func (c *NotifyConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Topic, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.Server, validation.When(c.Enabled, validation.Required, is.URL)),
		validation.Field(&c.Priority, validation.When(c.Enabled, validation.In("min", "low", "default", "high", "urgent"))),
	)
}
