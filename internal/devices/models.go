package devices

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already exists")
)

var hardwareIDPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// Device is a hardware unit permanently bound to an account.
type Device struct {
	ID              string
	UserID          string
	AgentID         string
	MacAddress      string
	Board           string
	AppVersion      string
	AutoUpdate      bool
	LastConnectedAt time.Time
	CreatedAt       time.Time
}

// ValidID reports whether id looks like a MAC address: six hex octets
// delimited by colons or hyphens.
func ValidID(id string) bool {
	return hardwareIDPattern.MatchString(id)
}

// NormalizeID returns the canonical lower-case, colon-delimited form of a
// hardware identifier. It does not validate its input.
func NormalizeID(id string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ":"))
}
