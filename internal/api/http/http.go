package http

import "github.com/fleetboot/ota-server/internal/api/http/middleware"

type Config struct {
	Port        uint                       `mapstructure:"port"`
	AdminAPIKey string                     `mapstructure:"admin_api_key"`
	FirmwareDir string                     `mapstructure:"firmware_dir"`
	RateLimit   middleware.RateLimitConfig `mapstructure:"rate_limit"`

	// TrustedProxies may set X-Forwarded-For. Empty trusts none.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}
