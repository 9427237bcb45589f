package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TFMV/promptql/cmd/server/config"
	"github.com/TFMV/promptql/cmd/server/middleware"
	"github.com/TFMV/promptql/pkg/handlers"
	"github.com/TFMV/promptql/pkg/infrastructure/metrics"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "promptql"

// Server runs the HTTP API, the metrics endpoint and the gRPC health service.
type Server struct {
	config   *config.Config
	logger   zerolog.Logger
	pipeline *Pipeline
	metrics  metrics.Collector
	registry *prometheus.Registry

	httpServer    *http.Server
	metricsServer *metrics.MetricsServer
	grpcServer    *grpc.Server
	health        *health.Server
}

// New creates a new server. Nothing listens until Run is called.
func New(cfg *config.Config, logger zerolog.Logger, version string) (*Server, error) {
	s := &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewNoOpCollector(),
	}

	var prom *metrics.PrometheusCollector
	if cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom = metrics.NewPrometheusCollectorWithRegistry(cfg.Metrics.Namespace, s.registry, s.registry)
		s.metrics = prom
	}

	pipeline, err := NewPipeline(cfg, logger, s.metrics, version)
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline

	api := handlers.NewAPI(
		pipeline.Orchestrator,
		pipeline.Schemas,
		pipeline.Executor,
		pipeline.Pool,
		pipeline.Info,
		&loggerAdapter{logger: logger.With().Str("component", "api").Logger()},
		&handlerMetricsAdapter{collector: s.metrics},
	)

	mux := http.NewServeMux()
	api.Register(mux)
	if prom != nil {
		mux.Handle("GET /metrics", prom.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.chain(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	if prom != nil && cfg.Metrics.Address != "" && cfg.Metrics.Address != cfg.Server.Address {
		s.metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address, prom.Handler())
	}

	if cfg.Health.Enabled {
		s.health = health.NewServer()
		s.grpcServer = s.newGRPCServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
		s.updateHealth()
	}

	return s, nil
}

// chain wraps the API mux with the HTTP middleware. Metrics sit inside auth
// so the matched route pattern is visible to them.
func (s *Server) chain(mux http.Handler) http.Handler {
	mw := &middlewareMetricsAdapter{collector: s.metrics}

	var h http.Handler = mux
	h = middleware.NewMetricsMiddleware(mw).Handler(h)
	h = middleware.NewAuthMiddleware(s.config.Auth, s.logger.With().Str("component", "auth").Logger()).Handler(h)
	h = middleware.NewCORSMiddleware(s.config.CORS).Handler(h)
	h = middleware.NewLoggingMiddleware(s.logger.With().Str("component", "http").Logger()).Handler(h)
	h = middleware.NewRecoveryMiddleware(s.logger).Handler(h)
	return h
}

func (s *Server) newGRPCServer() *grpc.Server {
	mw := &middlewareMetricsAdapter{collector: s.metrics}
	return grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.NewRecoveryMiddleware(s.logger).UnaryInterceptor(),
		middleware.NewLoggingMiddleware(s.logger.With().Str("component", "grpc").Logger()).UnaryInterceptor(),
		middleware.NewMetricsMiddleware(mw).UnaryInterceptor(),
	))
}

// Handler returns the HTTP API with its middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Pipeline returns the wired components.
func (s *Server) Pipeline() *Pipeline {
	return s.pipeline
}

// Run serves until ctx is done or a listener fails, then shuts everything
// down within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	httpListener, err := net.Listen("tcp", s.config.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Address, err)
	}

	var grpcListener net.Listener
	if s.grpcServer != nil {
		grpcListener, err = net.Listen("tcp", s.config.Health.Address)
		if err != nil {
			httpListener.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.Health.Address, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().
			Str("address", httpListener.Addr().String()).
			Str("auth", s.config.Auth.Type).
			Msg("HTTP API listening")
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.metricsServer != nil {
		g.Go(func() error {
			s.logger.Info().Str("address", s.config.Metrics.Address).Msg("Metrics server listening")
			if err := s.metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if s.grpcServer != nil {
		g.Go(func() error {
			s.logger.Info().Str("address", grpcListener.Addr().String()).Msg("gRPC health server listening")
			if err := s.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			s.watchHealth(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err = g.Wait()
	if cerr := s.pipeline.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.logger.Info().Msg("Server shutdown complete")
	return err
}

func (s *Server) shutdown() {
	timeout := s.config.Server.ShutdownTimeout
	s.logger.Info().Dur("timeout", timeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.health != nil {
		s.health.Shutdown()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
}

// watchHealth mirrors the pool health into the gRPC health service.
func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.config.Health.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateHealth()
		}
	}
}

func (s *Server) updateHealth() {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !s.pipeline.Pool.Healthy() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthService, status)
	s.metrics.RecordGauge("warehouse_healthy", boolGauge(status == grpc_health_v1.HealthCheckResponse_SERVING))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
