package grpchealth

import (
	"context"
	"testing"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Tutortoise/food-freshness-service/internal/registry"
)

func check(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q failed: %v", service, err)
	}
	return resp.GetStatus()
}

func TestSyncMirrorsDetectorReadiness(t *testing.T) {
	s := New(zap.NewNop())

	if got := check(t, s, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected process SERVING, got %v", got)
	}
	if got := check(t, s, DetectorService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected detector NOT_SERVING before sync, got %v", got)
	}

	s.Sync(registry.Readiness{DetectorReady: true})
	if got := check(t, s, DetectorService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected detector SERVING, got %v", got)
	}

	s.Sync(registry.Readiness{DetectorReady: false})
	if got := check(t, s, DetectorService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected detector NOT_SERVING, got %v", got)
	}
}

func TestStopMarksNotServing(t *testing.T) {
	s := New(zap.NewNop())
	s.Sync(registry.Readiness{DetectorReady: true})
	s.Stop()

	if got := check(t, s, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after stop, got %v", got)
	}
}
