// Package cache stores each provider's last broadcast state so a new subscriber
// can be replayed without an upstream call.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/config"
)

// Cache is a string-keyed store with per-entry TTL. Values are JSON encoded.
type Cache interface {
	// Get decodes the value at key into dst. It reports false when the key is
	// missing or expired.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Close() error
}

// LastStateKey is the key holding a provider's last broadcast snapshot.
func LastStateKey(provider string) string {
	return provider + ":last_state"
}

// New builds the cache selected by cfg.Mode.
func New(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (Cache, error) {
	switch cfg.Mode {
	case config.CacheModeRedis:
		r, err := NewRedis(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.CacheModeMemory, "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown cache mode %q", cfg.Mode)
	}
}

type entry struct {
	data    []byte
	expires time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.mu.Lock()
		// re-check, a Set may have replaced it
		if cur, still := m.entries[key]; still && cur.expires.Equal(e.expires) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return false, nil
	}

	if err := json.Unmarshal(e.data, dst); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key. A ttl <= 0 never expires.
func (m *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	e := entry{data: data}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error { return nil }
