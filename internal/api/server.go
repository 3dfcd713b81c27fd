package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/mirador-logrca/internal/config"
	"github.com/miradorstack/mirador-logrca/internal/services"
)

// ServiceName is the gRPC health service name covering the analyzer as a whole.
const ServiceName = "logrca"

// HealthChecker produces a health report on demand.
type HealthChecker interface {
	Health(ctx context.Context) services.HealthReport
}

// Server exposes gRPC health, reflection and server metrics for probes in scheduled mode.
type Server struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
	logger     *slog.Logger
}

// NewServer constructs a gRPC server bound to the configured address.
func NewServer(logger *slog.Logger, cfg config.ServerConfig, opts ...grpc.ServerOption) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddress, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	reflection.Register(grpcServer)
	grpc_prometheus.Register(grpcServer)

	return &Server{
		cfg:        cfg,
		grpcServer: grpcServer,
		listener:   lis,
		health:     healthSrv,
		logger:     logger,
	}, nil
}

// Start serves incoming gRPC requests until Stop/Shutdown is invoked.
func (s *Server) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// ApplyHealth publishes a report: each collaborator becomes a health service named
// "logrca.<component>", and the ServiceName entry reflects the aggregate status.
func (s *Server) ApplyHealth(report services.HealthReport) {
	for _, c := range report.Components {
		s.health.SetServingStatus(ServiceName+"."+c.Name, servingStatus(c.Status))
	}
	s.health.SetServingStatus(ServiceName, servingStatus(report.Status))
}

// WatchHealth refreshes the published statuses every interval until ctx is done.
func (s *Server) WatchHealth(ctx context.Context, checker HealthChecker, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.ApplyHealth(checker.Health(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := checker.Health(ctx)
			if !report.Healthy() {
				s.logger.Warn("collaborator health degraded", slog.Any("components", report.Components))
			}
			s.ApplyHealth(report)
		}
	}
}

func servingStatus(status string) healthpb.HealthCheckResponse_ServingStatus {
	switch status {
	case services.HealthHealthy:
		return healthpb.HealthCheckResponse_SERVING
	case services.HealthUnhealthy:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// Shutdown attempts a graceful shutdown, falling back to Stop after timeout.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address (useful for tests).
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
