package health

import (
	"context"
	"strings"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestServerStatus(t *testing.T) {
	s := NewServer(DefaultConfig())
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := Check(ctx, s.Addr(), ServiceName)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Initial status: got %s", resp.GetStatus())
	}

	s.SetServing(true)
	resp, err = Check(ctx, s.Addr(), "")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Status after SetServing: got %s", resp.GetStatus())
	}

	if _, err := Check(ctx, s.Addr(), "unknown.Service"); err == nil {
		t.Error("Expected error for unknown service")
	}
}

func TestFormat(t *testing.T) {
	out := Format(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING})
	if !strings.Contains(out, `"status"`) || !strings.Contains(out, "SERVING") {
		t.Errorf("Format: got %q", out)
	}
}
