package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults to load, got error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got '%s'", cfg.Server.Port)
	}
	if cfg.Cache.Mode != CacheModeMemory {
		t.Errorf("expected memory cache by default, got '%s'", cfg.Cache.Mode)
	}

	if cfg.Spotify.Quota != 180 || cfg.Spotify.Window != 30*time.Second {
		t.Errorf("unexpected spotify budget: %d per %s", cfg.Spotify.Quota, cfg.Spotify.Window)
	}
	if cfg.Spotify.SafetyMargin != 0.9 {
		t.Errorf("expected spotify safety margin 0.9, got %v", cfg.Spotify.SafetyMargin)
	}
	if cfg.Spotify.PollInterval != time.Second || cfg.Spotify.HeartbeatInterval != 15*time.Second {
		t.Errorf("unexpected spotify intervals: poll=%s heartbeat=%s", cfg.Spotify.PollInterval, cfg.Spotify.HeartbeatInterval)
	}
	if cfg.Spotify.TokenExpiryBuffer != 5*time.Minute {
		t.Errorf("expected 5m token buffer, got %s", cfg.Spotify.TokenExpiryBuffer)
	}

	if cfg.Steam.Quota != 200 || cfg.Steam.Window != 5*time.Minute || cfg.Steam.SafetyMargin != 0.8 {
		t.Errorf("unexpected steam budget: %d per %s at %v", cfg.Steam.Quota, cfg.Steam.Window, cfg.Steam.SafetyMargin)
	}
	if cfg.Steam.PollInterval != 10*time.Second || cfg.Steam.HeartbeatInterval != 30*time.Second {
		t.Errorf("unexpected steam intervals: poll=%s heartbeat=%s", cfg.Steam.PollInterval, cfg.Steam.HeartbeatInterval)
	}

	if cfg.Spotify.Configured() || cfg.Steam.Configured() {
		t.Error("providers should not be configured without credentials")
	}
}

func TestLoadLegacyEnvNames(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SPOTIFY_CLIENT_ID", "id")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "secret")
	t.Setenv("SPOTIFY_REFRESH_TOKEN", "refresh")
	t.Setenv("STEAM_API_KEY", "steam-key")
	t.Setenv("STEAM_ID", "76561198000000000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Spotify.Configured() {
		t.Error("expected spotify to be configured from legacy env vars")
	}
	if cfg.Steam.APIKey != "steam-key" || !cfg.Steam.Configured() {
		t.Errorf("expected steam to be configured, got key '%s'", cfg.Steam.APIKey)
	}
}

func TestLoadPrefixedEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PRESENCE_SPOTIFY_POLL_INTERVAL", "2s")
	t.Setenv("PRESENCE_STEAM_QUOTA", "50")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Spotify.PollInterval != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %s", cfg.Spotify.PollInterval)
	}
	if cfg.Steam.Quota != 50 {
		t.Errorf("expected steam quota 50, got %d", cfg.Steam.Quota)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "presence.yaml")
	body := `
server:
  port: "9090"
spotify:
  quota: 10
  safety_margin: 0.5
steam:
  enabled: false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got '%s'", cfg.Server.Port)
	}
	if cfg.Spotify.Quota != 10 || cfg.Spotify.SafetyMargin != 0.5 {
		t.Errorf("unexpected spotify budget: %d at %v", cfg.Spotify.Quota, cfg.Spotify.SafetyMargin)
	}
	if cfg.Steam.Enabled {
		t.Error("expected steam to be disabled")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	chdir(t, t.TempDir())

	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown cache mode", map[string]string{"PRESENCE_CACHE_MODE": "disk"}, "cache"},
		{"safety margin above one", map[string]string{"PRESENCE_SPOTIFY_SAFETY_MARGIN": "1.5"}, "spotify"},
		{"notify without topic", map[string]string{"NTFY_ENABLED": "true"}, "notify"},
		{"bad port", map[string]string{"PRESENCE_SERVER_PORT": "http"}, "server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %s, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidateSkipsDisabledProvider(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PRESENCE_STEAM_ENABLED", "false")
	t.Setenv("PRESENCE_STEAM_QUOTA", "0")

	if _, err := Load(""); err != nil {
		t.Errorf("disabled provider should not be validated, got: %v", err)
	}
}

// chdir switches the working directory for the duration of the test,
// restoring it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
