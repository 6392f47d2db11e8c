package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/middleware"
)

// Server is the gateway HTTP server. It wires the route handler behind
// security headers and per-IP rate limiting.
type Server struct {
	cfg       config.ServerConfig
	handler   *Handler
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates the gateway server.
func NewServer(cfg config.ServerConfig, handler *Handler, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, handler: handler, logger: logger}
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string { return s.boundAddr }

// Start begins serving. Blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.handler.Register(mux)

	limited := middleware.RateLimit(ctx, middleware.RateLimitConfig{
		RequestsPerMin: s.cfg.RequestsPerMin,
		BurstSize:      s.cfg.BurstSize,
		TrustedProxies: s.cfg.TrustedProxies,
	})

	root := middleware.SecurityHeaders(limited(mux))

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:     root,
		ReadTimeout: s.cfg.ReadTimeout,
		// No WriteTimeout: SSE responses stay open for the whole turn.
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown", "error", err)
		}
	}()

	s.logger.Info("gateway started", "addr", s.boundAddr)
	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}
