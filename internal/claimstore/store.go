// Package claimstore is the TTL key-value layer behind activation claims,
// one-time firmware download tokens and cached per-agent aggregates.
package claimstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("key not found")

// Store is a string key-value store with per-key expiry. A zero ttl means the
// key does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes the key only if it is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetDelete atomically reads and removes a key.
	GetDelete(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	// CompareAndDelete removes key, together with the keys in also, only when
	// key currently holds expected. It reports whether the delete happened.
	CompareAndDelete(ctx context.Context, key, expected string, also ...string) (bool, error)
}

const (
	activationInfoPrefix     = "activation-info:"
	activationCodePrefix     = "activation-code:"
	downloadTokenPrefix      = "ota-token:"
	agentDeviceCountPrefix   = "agent-device-count:"
	agentLastConnectedPrefix = "agent-last-connected:"
)

func ActivationInfoKey(hardwareID string) string { return activationInfoPrefix + hardwareID }

func ActivationCodeKey(code string) string { return activationCodePrefix + code }

func DownloadTokenKey(token string) string { return downloadTokenPrefix + token }

func AgentDeviceCountKey(agentID string) string { return agentDeviceCountPrefix + agentID }

func AgentLastConnectedKey(agentID string) string { return agentLastConnectedPrefix + agentID }
