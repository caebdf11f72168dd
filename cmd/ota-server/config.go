package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetboot/ota-server/internal/activation"
	"github.com/fleetboot/ota-server/internal/api/http"
	"github.com/fleetboot/ota-server/internal/auth"
	"github.com/fleetboot/ota-server/internal/checkin"
	otaconfig "github.com/fleetboot/ota-server/internal/config"
	"github.com/fleetboot/ota-server/internal/db"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log        LogConfig
	Http       http.Config
	Grpc       GrpcConfig
	DB         db.Config
	Redis      RedisConfig
	Auth       auth.Config
	Activation activation.Config
	Updater    checkin.UpdaterConfig
	Firmware   FirmwareConfig
	Server     otaconfig.ServerConfig
}

type GrpcConfig struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	ClientAuth string `mapstructure:"client_auth"`
}

// RedisConfig selects the claim store. Without a URL claims live in process
// memory, which only suits a single instance.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type FirmwareConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/ota-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("redis.url", "REDIS_URL")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(redacted(config), "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

// WatchConfig re-reads the server section whenever application.yaml changes
// and hands it to onChange. Listener ports and storage backends are fixed at
// startup.
func WatchConfig(onChange func(otaconfig.ServerConfig)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := viper.Unmarshal(&next); err != nil {
			slog.Error("Failed to reload configuration", "file", e.Name, "error", err)
			return
		}
		logLevel.Set(parseLogLevel(next.Log.Level))
		onChange(next.Server)
	})
	viper.WatchConfig()
}

func redacted(c Config) Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	c.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	c.Http.AdminAPIKey = mask(c.Http.AdminAPIKey)
	c.Server.Auth.Key = mask(c.Server.Auth.Key)
	c.Server.MQTTSignatureKey = mask(c.Server.MQTTSignatureKey)
	c.Server.BearerKey = mask(c.Server.BearerKey)
	c.DB.Url = mask(c.DB.Url)
	c.Redis.URL = mask(c.Redis.URL)
	return c
}
