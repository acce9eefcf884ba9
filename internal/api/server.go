// Package api exposes the sidecar's HTTP and WebSocket surface: order
// signing, tracking status, Telegram link management, Prometheus metrics,
// and the downstream streaming endpoint.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hyperliquid-sidecar/internal/config"
	"hyperliquid-sidecar/internal/exchange"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	limiter  *exchange.TokenBucket
	logger   *slog.Logger
}

// NewServer wires routes and middleware around the handlers.
func NewServer(cfg config.ServerConfig, handlers *Handlers, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With("component", "api-server"),
	}
	if cfg.RateLimitRPM > 0 {
		burst := float64(cfg.RateLimitRPM) / 6
		if burst < 1 {
			burst = 1
		}
		s.limiter = exchange.NewTokenBucket(burst, float64(cfg.RateLimitRPM)/60)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	mux.HandleFunc("POST /api/v1/orders/sign", s.protected(handlers.HandleSignOrder))
	mux.HandleFunc("GET /api/v1/tracking/status", s.protected(handlers.HandleTrackingStatus))
	mux.HandleFunc("GET /api/v1/tracking/orders/{id}", s.protected(handlers.HandleTrackingOrder))
	mux.HandleFunc("POST /api/v1/tracking/orders/{id}/stop", s.protected(handlers.HandleStopTracking))

	mux.HandleFunc("POST /api/v1/telegram/link", s.protected(handlers.HandleTelegramLink))
	mux.HandleFunc("DELETE /api/v1/telegram/link/{address}", s.protected(handlers.HandleTelegramUnlink))
	mux.HandleFunc("GET /api/v1/telegram/settings/{address}", s.protected(handlers.HandleGetSettings))
	mux.HandleFunc("PUT /api/v1/telegram/settings/{address}", s.protected(handlers.HandleUpdateSettings))
	mux.HandleFunc("GET /api/v1/telegram/stats/{address}", s.protected(handlers.HandleStats))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// protected applies the API key check and inbound rate limit.
func (s *Server) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("X-API-Key") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if s.limiter != nil && !s.limiter.TryTake() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
