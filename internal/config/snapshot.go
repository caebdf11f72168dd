// Package config holds the runtime settings shared by every check-in. The
// server section is published as an immutable Snapshot that can be swapped
// atomically when the configuration file changes.
package config

import (
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/atomic"
)

const (
	KeyWebsocket   = "server.websocket"
	KeyOTA         = "server.ota"
	KeyMQTTGateway = "server.mqtt_gateway"
)

type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Key           string `mapstructure:"key"`
	ExpireSeconds int    `mapstructure:"expire_seconds"`
}

type ServerConfig struct {
	Websocket        string     `mapstructure:"websocket"`
	OTA              string     `mapstructure:"ota"`
	MQTTGateway      string     `mapstructure:"mqtt_gateway"`
	MQTTManagerAPI   string     `mapstructure:"mqtt_manager_api"`
	MQTTSignatureKey string     `mapstructure:"mqtt_signature_key"`
	BearerKey        string     `mapstructure:"bearer_key"`
	FrontendURL      string     `mapstructure:"frontend_url"`
	Timezone         string     `mapstructure:"timezone"`
	Auth             AuthConfig `mapstructure:"auth"`
}

// Snapshot is a read-only view of ServerConfig with derived values resolved
// once at construction.
type Snapshot struct {
	server        ServerConfig
	websocketURLs []string
	location      *time.Location
}

func NewSnapshot(server ServerConfig) *Snapshot {
	s := &Snapshot{
		server:        server,
		websocketURLs: splitEndpoints(server.Websocket),
		location:      time.Local,
	}
	if server.Timezone != "" {
		loc, err := time.LoadLocation(server.Timezone)
		if err != nil {
			slog.Warn("Unknown timezone, falling back to local", "timezone", server.Timezone, "error", err)
		} else {
			s.location = loc
		}
	}
	return s
}

// Server returns a copy of the server settings.
func (s *Snapshot) Server() ServerConfig {
	return s.server
}

func (s *Snapshot) WebsocketURLs() []string {
	out := make([]string, len(s.websocketURLs))
	copy(out, s.websocketURLs)
	return out
}

func (s *Snapshot) Location() *time.Location {
	return s.location
}

// TokenMaxAge is how long a WebSocket token stays valid for its consumer.
func (s *Snapshot) TokenMaxAge() time.Duration {
	if s.server.Auth.ExpireSeconds <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(s.server.Auth.ExpireSeconds) * time.Second
}

// MissingKeys lists the required endpoint settings that are blank, in the
// order the health probe reports them.
func (s *Snapshot) MissingKeys() []string {
	var missing []string
	if strings.TrimSpace(s.server.MQTTGateway) == "" {
		missing = append(missing, KeyMQTTGateway)
	}
	if len(s.websocketURLs) == 0 {
		missing = append(missing, KeyWebsocket)
	}
	if strings.TrimSpace(s.server.OTA) == "" {
		missing = append(missing, KeyOTA)
	}
	return missing
}

// Source hands out the snapshot a single request should use throughout.
type Source interface {
	Current() *Snapshot
}

type Provider struct {
	current *atomic.Pointer[Snapshot]
}

func NewProvider(server ServerConfig) *Provider {
	return &Provider{current: atomic.NewPointer(NewSnapshot(server))}
}

func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

// Update publishes a new snapshot. Requests already holding the previous one
// keep using it.
func (p *Provider) Update(server ServerConfig) {
	p.current.Store(NewSnapshot(server))
	slog.Info("Server configuration reloaded",
		"websocket_endpoints", len(splitEndpoints(server.Websocket)),
		"auth_enabled", server.Auth.Enabled)
}

func splitEndpoints(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ";")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
