package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fleetboot/ota-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startServer(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(0, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.StopWithTimeout(time.Second) })

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service}, grpc.WaitForReady(true))
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthFollowsConfiguration(t *testing.T) {
	srv, client := startServer(t)

	srv.SyncStatus(config.NewSnapshot(config.ServerConfig{}))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, client, ServiceName))

	srv.SyncStatus(config.NewSnapshot(config.ServerConfig{
		Websocket:   "ws://a/v1/",
		OTA:         "http://ota/",
		MQTTGateway: "mqtt:1883",
	}))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, client, ServiceName))
}

func TestStopBeforeStart(t *testing.T) {
	srv := NewServer(0, nil)
	assert.NoError(t, srv.StopWithTimeout(time.Second))
}

func TestStartWithBadTLS(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	srv := NewServer(0, &TLSConfig{Enabled: true, CertFile: "missing.crt", KeyFile: "missing.key"})
	assert.Error(t, srv.Serve(lis))
}
