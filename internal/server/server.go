// Package server provides the admin HTTP API of the data layer.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mycolab/labdb/internal/batch"
	"github.com/mycolab/labdb/internal/cache"
	"github.com/mycolab/labdb/internal/config"
	"github.com/mycolab/labdb/internal/connection"
	"github.com/mycolab/labdb/internal/health"
	"github.com/mycolab/labdb/internal/loader"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/realtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Backend is the part of the data service the admin API drives
type Backend interface {
	Health() connection.Health
	CheckConnection(ctx context.Context) connection.State
	CacheStats() cache.Stats
	InvalidateCache(pattern string) int
	InvalidateTable(table string) int
	LoadAll(ctx context.Context, plan loader.Plan) *loader.LoadResult
	Flush(ctx context.Context) []batch.Result
	PendingWrites() int
	Subscriptions() []realtime.Subscription
}

// Server represents the admin HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	backend    Backend
	health     *health.HealthChecker
	metrics    *metrics.Metrics
	cfg        config.ServerConfig
	metricsCfg config.MetricsConfig
	logger     *zap.Logger
}

// NewServer creates the admin server and registers its routes. m may be nil, in which
// case no metrics endpoint is served.
func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, backend Backend, hc *health.HealthChecker, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()

	s := &Server{
		router:     router,
		backend:    backend,
		health:     hc,
		metrics:    m,
		cfg:        cfg,
		metricsCfg: metricsCfg,
		logger:     logger,
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort)),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	}
	if s.cfg.RateLimit > 0 {
		chain = append(chain, NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.logger).Limit)
	}
	s.router.Use(mux.MiddlewareFunc(Chain(chain...)))

	s.router.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)

	if s.metricsCfg.Enabled && s.metrics.Registry() != nil {
		reg := s.metrics.Registry()
		s.router.Handle(s.metricsCfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).
			Methods(http.MethodGet)
	}

	// Versioned routes sit on the root router so its 404 and 405 handlers apply
	s.router.HandleFunc("/v1/connection", s.getConnection).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/connection/check", s.checkConnection).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/cache/stats", s.cacheStats).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/cache", s.invalidateCache).Methods(http.MethodDelete)
	s.router.HandleFunc("/v1/load", s.load).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/writes", s.pendingWrites).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/flush", s.flush).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/subscriptions", s.subscriptions).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "INVALID_REQUEST", "endpoint not found", r.Header.Get("X-Request-ID"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_REQUEST", "method not allowed", r.Header.Get("X-Request-ID"))
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting admin HTTP server", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the router for testing purposes.
func (s *Server) Router() *mux.Router {
	return s.router
}
