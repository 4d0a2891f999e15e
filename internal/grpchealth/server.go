// Package grpchealth exposes model readiness over the standard gRPC health protocol.
package grpchealth

import (
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Tutortoise/food-freshness-service/internal/registry"
)

// DetectorService mirrors detector readiness. The empty service name reports
// the process itself, which serves whenever it is up.
const DetectorService = "freshness.v1.Detector"

type Server struct {
	health *health.Server
	grpc   *grpc.Server
	logger *zap.Logger
}

func New(logger *zap.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(DetectorService, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{health: hs, grpc: gs, logger: logger.Named("grpchealth")}
}

// Sync publishes the detector's readiness.
func (s *Server) Sync(ready registry.Readiness) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready.DetectorReady {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(DetectorService, status)
}

// Health returns the underlying health service, mainly for in-process checks.
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

// Serve blocks until Stop is called or the listener fails.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight checks.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
