package credentials

import (
	"log/slog"
	"strings"
	"time"

	"github.com/fleetboot/ota-server/internal/config"
)

// Issuer produces credentials from one configuration snapshot. Failures are
// logged and surface as empty values so a check-in never aborts on them.
type Issuer struct {
	server config.ServerConfig
	loc    *time.Location
	Now    func() time.Time
}

func NewIssuer(snapshot *config.Snapshot) *Issuer {
	return &Issuer{
		server: snapshot.Server(),
		loc:    snapshot.Location(),
		Now:    time.Now,
	}
}

// WebSocketToken returns "" when authentication is disabled, so firmware that
// ignores the token keeps working.
func (i *Issuer) WebSocketToken(clientID, hardwareID string) (token string) {
	if !i.server.Auth.Enabled {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("WebSocket token signing panicked", "device_id", hardwareID, "panic", r)
			token = ""
		}
	}()

	token, err := SignWebSocket(i.server.Auth.Key, clientID, hardwareID, i.Now().Unix())
	if err != nil {
		slog.Warn("WebSocket token not issued", "device_id", hardwareID, "client_id", clientID, "error", err)
		return ""
	}
	return token
}

// MQTT returns nil when no gateway or signing key is configured.
func (i *Issuer) MQTT(boardType, hardwareID, clientIP string) (cred *MQTTCredential) {
	endpoint := strings.TrimSpace(i.server.MQTTGateway)
	if endpoint == "" {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("MQTT credential signing panicked", "device_id", hardwareID, "panic", r)
			cred = nil
		}
	}()

	cred, err := BuildMQTTCredential(i.server.MQTTSignatureKey, endpoint, boardType, hardwareID, clientIP)
	if err != nil {
		slog.Warn("MQTT credential not issued", "device_id", hardwareID, "error", err)
		return nil
	}
	return cred
}

func (i *Issuer) Bearer() string {
	token, err := BearerToken(i.server.BearerKey, i.Now().In(i.loc))
	if err != nil {
		slog.Warn("Bearer token not issued", "error", err)
		return ""
	}
	return token
}
