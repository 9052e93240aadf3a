// Package server exposes providers over HTTP: SSE and WebSocket event streams
// plus the JSON polling, stats and admin routes.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/config"
	"github.com/dgnsrekt/presence-stream/internal/presence"
	"github.com/dgnsrekt/presence-stream/internal/provider"
	"github.com/dgnsrekt/presence-stream/internal/stream"
)

// KnownProviders are the provider names the API accepts.
var KnownProviders = []string{"spotify", "steam"}

type Server struct {
	providers map[string]*provider.Provider
	cfg       config.ServerConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewServer(providers []*provider.Provider, cfg config.ServerConfig, logger *zap.Logger) *Server {
	byName := make(map[string]*provider.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}
	return &Server{
		providers: byName,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type currentResponse struct {
	Success bool              `json:"success"`
	Data    presence.Snapshot `json:"data"`
	Source  string            `json:"source,omitempty"`
	Message string            `json:"message,omitempty"`
}

type statsResponse struct {
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
	Data      provider.Stats `json:"data"`
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Providers map[string]int `json:"providers"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// lookup resolves the {provider} path parameter. Disabled providers answer 404.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*provider.Provider, bool) {
	name := chi.URLParam(r, "provider")
	p, ok := s.providers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, ackResponse{
			Success: false,
			Message: fmt.Sprintf("%s integration is disabled", name),
		})
		return nil, false
	}
	return p, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int, len(s.providers))
	for name, p := range s.providers {
		counts[name] = p.Registry.Count()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "UP",
		Timestamp: s.now().UTC(),
		Providers: counts,
	})
}

// handleCurrent serves the polling endpoint. A degraded snapshot is reported
// as an inactive one with the reason in message.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}

	snap, source := p.Current(r.Context())
	if !p.Client.Configured() {
		writeJSON(w, http.StatusServiceUnavailable, currentResponse{
			Success: false,
			Message: snap.Error,
		})
		return
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(p.HTTPCacheMaxAge().Seconds())))
	w.Header().Set("X-Source", source)

	if snap.Error != "" {
		writeJSON(w, http.StatusOK, currentResponse{
			Success: true,
			Source:  source,
			Message: snap.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, currentResponse{
		Success: true,
		Data:    snap,
		Source:  source,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Success:   true,
		Timestamp: s.now().UTC(),
		Data:      p.Stats(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := p.Reset(r.Context()); err != nil {
		s.logger.Error("resetting cached state",
			zap.String("provider", p.Name),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ackResponse{
			Success: false,
			Message: "Failed to reset cache",
		})
		return
	}

	s.logger.Info("cached state reset", zap.String("provider", p.Name))
	writeJSON(w, http.StatusOK, ackResponse{
		Success: true,
		Message: fmt.Sprintf("%s cache cleared", p.Name),
	})
}

func (s *Server) streamProvider(w http.ResponseWriter, name string) (*provider.Provider, bool) {
	p, ok := s.providers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, ackResponse{
			Success: false,
			Message: fmt.Sprintf("%s integration is disabled", name),
		})
	}
	return p, ok
}

func (s *Server) handleSSE(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.streamProvider(w, name)
		if !ok {
			return
		}

		sse, err := stream.OpenSSE(w, r, s.cfg.StreamWriteTimeout)
		if err != nil {
			s.logger.Error("opening event stream", zap.String("provider", name), zap.Error(err))
			if errors.Is(err, stream.ErrNoFlusher) {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		p.Session().Run(r.Context(), sse)
	}
}

func (s *Server) handleWebSocket(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.streamProvider(w, name)
		if !ok {
			return
		}

		// peers get two missed heartbeats before the read deadline fires
		pongWait := 2*p.Settings.HeartbeatInterval + s.cfg.StreamWriteTimeout
		ws, err := stream.UpgradeWebSocket(w, r, s.cfg.StreamWriteTimeout, pongWait, s.logger)
		if err != nil {
			// the upgrader has already answered the request
			s.logger.Debug("websocket upgrade failed", zap.String("provider", name), zap.Error(err))
			return
		}
		p.Session().Run(r.Context(), ws)
	}
}
