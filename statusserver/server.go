package statusserver

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sqldetector/probe/httpclient"
)

// Server serves the status endpoints of one probe Client.
type Server struct {
	httpServer *http.Server
	config     Config
	logger     zerolog.Logger
	client     *httpclient.Client
	health     *HealthHandler
	registry   *prometheus.Registry
}

// New creates a Server for client. The circuit and retry budget readiness
// checks are registered; add more with Health().AddReadinessCheck.
func New(client *httpclient.Client, opts ...Option) *Server {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sqldetector-probe"
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpclient.NewCollector(client),
	)

	health := NewHealthHandler(cfg.ServiceName, cfg.Version)
	health.AddReadinessCheck("circuit", CircuitCheck(client))
	health.AddReadinessCheck("retry_budget", RetryBudgetCheck(client))

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		client:   client,
		health:   health,
		registry: registry,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		Recovery(s.logger),
		RequestID(),
		AccessLog(s.logger, s.config.ServiceName, s.config.SkipLogPaths...),
	)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	r.Method(http.MethodGet, "/livez", s.health.LiveHandler())
	r.Method(http.MethodGet, "/readyz", s.health.ReadyHandler())
	r.Get("/stats", s.handleStats)

	if s.config.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "not found", Error{Field: "path", Message: r.URL.Path})
	})
	return r
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Health returns the readiness handler so callers can add checks.
func (s *Server) Health() *HealthHandler {
	return s.health
}

// Registry returns the Prometheus registry behind /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("addr", ln.Addr().String()).
			Str("service", s.config.ServiceName).
			Msg("status server starting")

		err := s.httpServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			s.logger.Error().Err(err).Msg("status server error")
			return err
		}
		return nil
	case <-ctx.Done():
		s.logger.Info().Err(ctx.Err()).Msg("context cancelled, shutting down")
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	// The serving context is already done, so the grace period hangs off a
	// fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("graceful shutdown failed, forcing close")
		if closeErr := s.httpServer.Close(); closeErr != nil {
			s.logger.Error().Err(closeErr).Msg("force close failed")
		}
		return err
	}

	s.logger.Info().Msg("status server stopped")
	return nil
}
