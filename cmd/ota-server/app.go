package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetboot/ota-server/internal/activation"
	internalhttp "github.com/fleetboot/ota-server/internal/api/http"
	"github.com/fleetboot/ota-server/internal/api/http/handler"
	"github.com/fleetboot/ota-server/internal/api/http/middleware"
	"github.com/fleetboot/ota-server/internal/checkin"
	"github.com/fleetboot/ota-server/internal/claimstore"
	otaconfig "github.com/fleetboot/ota-server/internal/config"
	"github.com/fleetboot/ota-server/internal/db"
	"github.com/fleetboot/ota-server/internal/devices"
	"github.com/fleetboot/ota-server/internal/firmware"
	"github.com/fleetboot/ota-server/internal/gateway"
	grpcserver "github.com/fleetboot/ota-server/internal/grpc/server"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const memoryCleanupInterval = time.Minute

// app is the wired service: everything main starts and stops.
type app struct {
	engine   *gin.Engine
	grpc     *grpcserver.Server
	provider *otaconfig.Provider
	updater  *checkin.Updater
	closers  []func()
}

// Close stops the updater and releases storage connections in reverse order
// of acquisition.
func (a *app) Close() {
	a.updater.Stop()
	a.closeAll()
}

// newApp connects the configured backends and builds the HTTP engine and
// gRPC server without starting either. Background loops stop with ctx.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	a := &app{}
	readiness := make(map[string]handler.ReadinessCheck)

	var (
		store       claimstore.Store
		rateLimiter *middleware.RateLimiter
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		slog.Info("Connected to Redis", "addr", opts.Addr)
		store = claimstore.NewRedisStore(client)
		rateLimiter = middleware.NewRateLimiter(client)
		readiness["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	} else {
		slog.Warn("No redis url configured, activation claims are kept in memory")
		memory := claimstore.NewMemoryStore()
		go memory.StartCleanup(ctx, memoryCleanupInterval)
		store = memory
	}

	var (
		repo    devices.Repository
		catalog firmware.Catalog
	)
	if cfg.DB.Url != "" {
		if err := db.RunMigrations(cfg.DB.Url, cfg.DB.Schema); err != nil {
			a.closeAll()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		pool, err := db.InitDB(ctx, cfg.DB)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		repo = devices.NewPostgresRepository(pool)
		catalog = firmware.NewPostgresCatalog(pool)
		readiness["postgres"] = pool.Ping
	} else {
		slog.Warn("No database url configured, devices and releases are kept in memory")
		repo = devices.NewMemoryRepository()
		catalog = firmware.NewMemoryCatalog()
	}

	engine, err := newEngine(cfg.Http)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	a.provider = otaconfig.NewProvider(cfg.Server)
	a.grpc = grpcserver.NewServer(cfg.Grpc.Port, &grpcserver.TLSConfig{
		Enabled:    cfg.Grpc.TLS.Enabled,
		CertFile:   cfg.Grpc.TLS.CertFile,
		KeyFile:    cfg.Grpc.TLS.KeyFile,
		CAFile:     cfg.Grpc.TLS.CAFile,
		ClientAuth: cfg.Grpc.TLS.ClientAuth,
	})
	a.grpc.SyncStatus(a.provider.Current())

	manager := activation.NewManager(store, repo, cfg.Activation)
	selector := firmware.NewSelector(catalog, store, cfg.Firmware.TokenTTL)

	a.updater = checkin.NewUpdater(repo, store, cfg.Updater)
	a.updater.Start()

	services := &internalhttp.Services{
		Config:      a.provider,
		CheckIn:     checkin.NewOrchestrator(a.provider, repo, manager, selector, a.updater),
		Activation:  manager,
		Devices:     repo,
		Catalog:     catalog,
		Downloads:   selector,
		Gateway:     gateway.NewClient(a.provider),
		RateLimiter: rateLimiter,
		Readiness:   readiness,
		JWTSecret:   cfg.Auth.JWTSecret,
	}
	internalhttp.SetupRoute(engine, services, cfg.Http)
	a.engine = engine

	return a, nil
}

func (a *app) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newEngine builds the gin engine with CORS and recovery. Forwarded client
// addresses are honoured only from the configured proxies; with none, the
// socket peer is the client.
func newEngine(cfg internalhttp.Config) (*gin.Engine, error) {
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Device-Id", "Client-Id", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	return engine, nil
}
