// Package credentials derives the session credentials handed to devices at
// check-in. Nothing here is persisted: every value is recomputed from the
// configured secrets, the device identity and the clock.
package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrConfigurationMissing = errors.New("signing key not configured")
	ErrMalformedToken       = errors.New("malformed token")
	ErrTokenExpired         = errors.New("token expired")
	ErrSignatureMismatch    = errors.New("token signature mismatch")
)

const (
	defaultMQTTGroup   = "GID_default"
	mqttIDSeparator    = "@@@"
	mqttPublishTopic   = "device-server"
	mqttSubscribeTopic = "devices/p2p/"
	bearerDateLayout   = "2006-01-02"
)

func hmacSHA256(key, message string) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// SignWebSocket returns "signature.timestamp" for clientID|username|unix.
func SignWebSocket(secret, clientID, username string, unix int64) (string, error) {
	if secret == "" {
		return "", ErrConfigurationMissing
	}
	sig := base64.RawURLEncoding.EncodeToString(hmacSHA256(secret, webSocketMessage(clientID, username, unix)))
	return sig + "." + strconv.FormatInt(unix, 10), nil
}

// VerifyWebSocketToken checks a token produced by SignWebSocket against the
// identity presented on connect. Tokens older than maxAge are rejected.
func VerifyWebSocketToken(secret, token, clientID, username string, maxAge time.Duration, now time.Time) error {
	if secret == "" {
		return ErrConfigurationMissing
	}
	token = strings.TrimPrefix(token, "Bearer ")
	sig, tsPart, ok := strings.Cut(token, ".")
	if !ok || sig == "" {
		return ErrMalformedToken
	}
	unix, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrMalformedToken
	}
	if now.Sub(time.Unix(unix, 0)) > maxAge {
		return ErrTokenExpired
	}
	expected := base64.RawURLEncoding.EncodeToString(hmacSHA256(secret, webSocketMessage(clientID, username, unix)))
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

func webSocketMessage(clientID, username string, unix int64) string {
	return clientID + "|" + username + "|" + strconv.FormatInt(unix, 10)
}

// MQTTCredential is the connection block a device uses for the MQTT gateway.
type MQTTCredential struct {
	Endpoint       string `json:"endpoint"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PublishTopic   string `json:"publish_topic"`
	SubscribeTopic string `json:"subscribe_topic"`
}

type mqttUserData struct {
	IP string `json:"ip"`
}

// BuildMQTTCredential signs clientID|username with key. group falls back to
// the default group and ip to "unknown". The gateway addresses point-to-point
// messages by MAC alone, so the subscribe topic omits the group.
func BuildMQTTCredential(key, endpoint, group, macAddress, ip string) (*MQTTCredential, error) {
	if key == "" {
		return nil, ErrConfigurationMissing
	}
	if group == "" {
		group = defaultMQTTGroup
	}
	if ip == "" {
		ip = "unknown"
	}

	clientID := MQTTClientID(group, macAddress)
	macID := strings.ReplaceAll(macAddress, ":", "_")

	userData, err := json.Marshal(mqttUserData{IP: ip})
	if err != nil {
		return nil, fmt.Errorf("failed to encode mqtt user data: %w", err)
	}
	username := base64.StdEncoding.EncodeToString(userData)
	password := base64.StdEncoding.EncodeToString(hmacSHA256(key, clientID+"|"+username))

	return &MQTTCredential{
		Endpoint:       endpoint,
		ClientID:       clientID,
		Username:       username,
		Password:       password,
		PublishTopic:   mqttPublishTopic,
		SubscribeTopic: mqttSubscribeTopic + macID,
	}, nil
}

// MQTTClientID is the gateway's name for a device: group@@@mac@@@mac with
// colons replaced by underscores.
func MQTTClientID(group, macAddress string) string {
	if group == "" {
		group = defaultMQTTGroup
	}
	groupID := strings.ReplaceAll(group, ":", "_")
	macID := strings.ReplaceAll(macAddress, ":", "_")
	return groupID + mqttIDSeparator + macID + mqttIDSeparator + macID
}

// BearerToken is the day-granularity digest used for trusted service calls.
// It is stable for a whole calendar day in the location of day.
func BearerToken(key string, day time.Time) (string, error) {
	if key == "" {
		return "", ErrConfigurationMissing
	}
	sum := sha256.Sum256([]byte(day.Format(bearerDateLayout) + key))
	return hex.EncodeToString(sum[:]), nil
}
