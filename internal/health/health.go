// Package health serves and queries the controller's gRPC health service.
package health

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
)

// ServiceName is the health service name of the controller
const ServiceName = "rfmesh.Controller"

// Config holds health service configuration
type Config struct {
	ListenAddr       string // Empty disables the server
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns default health configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "",
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Server is a gRPC server exposing only the health service
type Server struct {
	config Config
	grpc   *grpc.Server
	health *grpchealth.Server
	lis    net.Listener
	wg     sync.WaitGroup
}

// NewServer creates a health server reporting NOT_SERVING
func NewServer(config Config) *Server {
	s := &Server{
		config: config,
		grpc: grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		})),
		health: grpchealth.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// SetServing updates the status of the overall server and the controller
// service
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.lis = lis

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(lis); err != nil {
			log.Printf("Health server stopped: %v", err)
		}
	}()

	log.Printf("Health service listening on %s", lis.Addr())
	return nil
}

// Addr returns the listening address, or "" before Start
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Stop marks the service NOT_SERVING and shuts the server down
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.wg.Wait()
}

// Check queries the health service at addr
func Check(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error) {
	cfg := DefaultConfig()
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return resp, nil
}

// Format renders a response as single-line JSON
func Format(resp *healthpb.HealthCheckResponse) string {
	b, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(resp)
	if err != nil {
		return resp.GetStatus().String()
	}
	return string(b)
}
