// Package server exposes the standard gRPC health service so load balancers
// and orchestrators can probe the OTA server without speaking HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fleetboot/ota-server/internal/config"
	grpctls "github.com/fleetboot/ota-server/internal/grpc/tls"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "ota.CheckIn"

type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth string
}

type Server struct {
	mu         sync.Mutex
	grpcServer *grpc.Server
	health     *health.Server
	port       int
	tlsConfig  *TLSConfig
}

func NewServer(port int, tlsConfig *TLSConfig) *Server {
	return &Server{
		health:    health.NewServer(),
		port:      port,
		tlsConfig: tlsConfig,
	}
}

// SyncStatus reports SERVING only while every required endpoint setting in
// the snapshot is present.
func (s *Server) SyncStatus(snapshot *config.Snapshot) {
	status := healthpb.HealthCheckResponse_SERVING
	if missing := snapshot.MissingKeys(); len(missing) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		slog.Warn("Check-in service not serving, configuration incomplete", "missing", strings.Join(missing, ","))
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve runs the gRPC server on an existing listener until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	var opts []grpc.ServerOption
	if s.tlsConfig != nil && s.tlsConfig.Enabled {
		creds, err := s.loadCredentials()
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	grpcServer := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(grpcServer, s.health)

	s.mu.Lock()
	s.grpcServer = grpcServer
	s.mu.Unlock()

	slog.Info("Starting gRPC server", "address", lis.Addr().String(), "tls", s.tlsConfig != nil && s.tlsConfig.Enabled)

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

func (s *Server) loadCredentials() (credentials.TransportCredentials, error) {
	clientAuth, err := grpctls.ParseClientAuthType(s.tlsConfig.ClientAuth)
	if err != nil {
		return nil, err
	}
	creds, err := grpctls.LoadServerCredentials(s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.CAFile, clientAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	return creds, nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")

	s.health.Shutdown()

	s.mu.Lock()
	grpcServer := s.grpcServer
	s.mu.Unlock()
	if grpcServer == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		grpcServer.Stop()
	}

	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
