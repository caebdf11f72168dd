package http

import (
	"github.com/fleetboot/ota-server/internal/api/http/handler"
	"github.com/fleetboot/ota-server/internal/api/http/middleware"
	"github.com/fleetboot/ota-server/internal/config"
	"github.com/fleetboot/ota-server/internal/devices"
	"github.com/fleetboot/ota-server/internal/firmware"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Config      config.Source
	CheckIn     handler.CheckInService
	Activation  handler.ActivationService
	Devices     devices.Repository
	Catalog     firmware.Catalog
	Downloads   handler.TokenRedeemer
	Gateway     handler.ToolGateway
	RateLimiter *middleware.RateLimiter
	Readiness   map[string]handler.ReadinessCheck
	JWTSecret   string
}

func SetupRoute(engine *gin.Engine, srvs *Services, cfg Config) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Readiness)
	engine.GET("/health", healthHandler.Check)
	engine.GET("/ready", healthHandler.Ready)

	otaHandler := handler.NewOTAHandler(srvs.CheckIn, srvs.Devices, srvs.Config)
	downloadHandler := handler.NewDownloadHandler(srvs.Downloads)

	// Firmware posts to both spellings depending on how the address was entered.
	engine.POST("/ota", otaHandler.CheckIn)
	engine.GET("/ota", otaHandler.Status)
	ota := engine.Group("/ota")
	{
		ota.POST("/", otaHandler.CheckIn)
		ota.GET("/", otaHandler.Status)
		ota.POST("/activate", otaHandler.Activate)
		ota.GET("/download/:token", downloadHandler.Download)
	}

	deviceHandler := handler.NewDeviceHandler(srvs.Activation, srvs.Devices, srvs.Gateway)
	api := engine.Group("/api/v1")
	api.Use(middleware.JWTAuth(srvs.JWTSecret))
	{
		bind := []gin.HandlerFunc{deviceHandler.Bind}
		if srvs.RateLimiter != nil && cfg.RateLimit.Enabled {
			bind = append([]gin.HandlerFunc{srvs.RateLimiter.Limit("bind", cfg.RateLimit.Requests, cfg.RateLimit.Window)}, bind...)
		}
		api.POST("/devices/bind/:code", bind...)
		api.DELETE("/devices/:id", deviceHandler.Unbind)
		api.GET("/devices/:id/tools", deviceHandler.ListTools)
		api.POST("/devices/:id/tools/call", deviceHandler.CallTool)
		api.GET("/agents/:id/device-count", deviceHandler.DeviceCount)
	}

	firmwareHandler := handler.NewFirmwareHandler(srvs.Catalog, cfg.FirmwareDir)
	admin := engine.Group("/api/v1/firmware")
	admin.Use(middleware.APIKeyAuth(cfg.AdminAPIKey))
	{
		admin.POST("", firmwareHandler.Upload)
		admin.GET("/:board/latest", firmwareHandler.Latest)
	}
}
