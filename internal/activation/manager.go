// Package activation runs the claim flow for unbound hardware: a device
// checking in without an owner receives a short numeric code, and an operator
// who enters that code binds the device to their account.
package activation

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/fleetboot/ota-server/internal/claimstore"
	"github.com/fleetboot/ota-server/internal/devices"
)

var (
	ErrCodeEmpty          = errors.New("activation code is empty")
	ErrCodeNotFound       = errors.New("activation code not found")
	ErrAlreadyActivated   = errors.New("device already activated")
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique activation code")
)

const (
	DefaultClaimTTL       = 24 * time.Hour
	DefaultCountCacheTTL  = 10 * time.Minute
	defaultIssueAttempts  = 8
	codeDigits            = 6
	unknownBoard          = "unknown"
	restoreTimeout        = 5 * time.Second
	codeSpace       int64 = 1_000_000
)

// Claim is a pending activation, stored as JSON under the normalized
// hardware id.
type Claim struct {
	Code       string    `json:"activation_code"`
	HardwareID string    `json:"mac_address"`
	Board      string    `json:"board"`
	AppVersion string    `json:"app_version"`
	CreatedAt  time.Time `json:"created_at"`
}

// Profile is what a device reports about itself on check-in.
type Profile struct {
	Board      string
	ChipModel  string
	AppVersion string
}

func (p Profile) board() string {
	switch {
	case strings.TrimSpace(p.Board) != "":
		return p.Board
	case strings.TrimSpace(p.ChipModel) != "":
		return p.ChipModel
	default:
		return unknownBoard
	}
}

type Config struct {
	ClaimTTL      time.Duration `mapstructure:"claim_ttl"`
	CountCacheTTL time.Duration `mapstructure:"count_cache_ttl"`
	IssueAttempts int           `mapstructure:"issue_attempts"`
}

type Manager struct {
	store    claimstore.Store
	devices  devices.Repository
	claimTTL time.Duration
	countTTL time.Duration
	attempts int
	now      func() time.Time
	newCode  func() (string, error)
}

func NewManager(store claimstore.Store, repo devices.Repository, cfg Config) *Manager {
	m := &Manager{
		store:    store,
		devices:  repo,
		claimTTL: cfg.ClaimTTL,
		countTTL: cfg.CountCacheTTL,
		attempts: cfg.IssueAttempts,
		now:      time.Now,
		newCode:  randomCode,
	}
	if m.claimTTL <= 0 {
		m.claimTTL = DefaultClaimTTL
	}
	if m.countTTL <= 0 {
		m.countTTL = DefaultCountCacheTTL
	}
	if m.attempts <= 0 {
		m.attempts = defaultIssueAttempts
	}
	return m
}

// IssueOrReuse returns the code of the live claim for hardwareID, creating
// one if none exists. Concurrent callers for the same device all receive the
// same code.
func (m *Manager) IssueOrReuse(ctx context.Context, hardwareID string, profile Profile) (string, error) {
	id := devices.NormalizeID(hardwareID)
	infoKey := claimstore.ActivationInfoKey(id)

	for attempt := 0; attempt < m.attempts; attempt++ {
		existing, err := m.currentClaim(ctx, infoKey)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return existing.Code, nil
		}

		code, err := m.reserveCode(ctx, id)
		if err != nil {
			return "", err
		}

		payload, err := json.Marshal(Claim{
			Code:       code,
			HardwareID: hardwareID,
			Board:      profile.board(),
			AppVersion: profile.AppVersion,
			CreatedAt:  m.now(),
		})
		if err != nil {
			m.releaseCode(ctx, code, id)
			return "", fmt.Errorf("failed to encode activation claim: %w", err)
		}

		created, err := m.store.SetNX(ctx, infoKey, string(payload), m.claimTTL)
		if err != nil {
			m.releaseCode(ctx, code, id)
			return "", fmt.Errorf("failed to store activation claim: %w", err)
		}
		if created {
			slog.Info("Activation code issued", "device_id", id, "board", profile.board())
			return code, nil
		}

		// Another check-in for this device won the race; hand back its code.
		m.releaseCode(ctx, code, id)
	}

	return "", ErrCodeSpaceExhausted
}

func (m *Manager) currentClaim(ctx context.Context, infoKey string) (*Claim, error) {
	raw, err := m.store.Get(ctx, infoKey)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read activation claim: %w", err)
	}

	var claim Claim
	if err := json.Unmarshal([]byte(raw), &claim); err != nil || claim.Code == "" {
		slog.Warn("Discarding unreadable activation claim", "key", infoKey, "error", err)
		if _, err := m.store.CompareAndDelete(ctx, infoKey, raw); err != nil {
			return nil, fmt.Errorf("failed to discard activation claim: %w", err)
		}
		return nil, nil
	}
	return &claim, nil
}

// reserveCode picks an unused code and points its reverse index at id.
func (m *Manager) reserveCode(ctx context.Context, id string) (string, error) {
	for attempt := 0; attempt < m.attempts; attempt++ {
		code, err := m.newCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate activation code: %w", err)
		}
		ok, err := m.store.SetNX(ctx, claimstore.ActivationCodeKey(code), id, m.claimTTL)
		if err != nil {
			return "", fmt.Errorf("failed to reserve activation code: %w", err)
		}
		if ok {
			return code, nil
		}
		slog.Debug("Activation code collision, regenerating", "device_id", id)
	}
	return "", ErrCodeSpaceExhausted
}

func (m *Manager) releaseCode(ctx context.Context, code, id string) {
	if _, err := m.store.CompareAndDelete(ctx, claimstore.ActivationCodeKey(code), id); err != nil {
		slog.Warn("Failed to release activation code", "device_id", id, "error", err)
	}
}

// Resolve binds the device holding code to accountID. The claim is taken
// atomically before the device record is written, so two operators racing
// on the same code cannot both succeed.
func (m *Manager) Resolve(ctx context.Context, code, accountID, agentID string) (*devices.Device, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrCodeEmpty
	}
	codeKey := claimstore.ActivationCodeKey(code)

	id, err := m.store.Get(ctx, codeKey)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to read activation code: %w", err)
	}

	infoKey := claimstore.ActivationInfoKey(id)
	raw, err := m.store.Get(ctx, infoKey)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to read activation claim: %w", err)
	}

	var claim Claim
	if err := json.Unmarshal([]byte(raw), &claim); err != nil {
		slog.Warn("Unreadable activation claim", "device_id", id, "error", err)
		return nil, ErrCodeNotFound
	}
	if claim.Code != code {
		slog.Warn("Activation index points at a claim with another code", "device_id", id)
		return nil, ErrCodeNotFound
	}

	if _, err := m.devices.GetByID(ctx, id); err == nil {
		return nil, ErrAlreadyActivated
	} else if !errors.Is(err, devices.ErrDeviceNotFound) {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}

	taken, err := m.store.CompareAndDelete(ctx, infoKey, raw, codeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to take activation claim: %w", err)
	}
	if !taken {
		return nil, ErrCodeNotFound
	}

	now := m.now()
	device := &devices.Device{
		ID:              id,
		UserID:          accountID,
		AgentID:         agentID,
		MacAddress:      claim.HardwareID,
		Board:           claim.Board,
		AppVersion:      claim.AppVersion,
		AutoUpdate:      true,
		LastConnectedAt: now,
		CreatedAt:       now,
	}
	if err := m.devices.Create(ctx, device); err != nil {
		if errors.Is(err, devices.ErrDeviceExists) {
			return nil, ErrAlreadyActivated
		}
		m.restoreClaim(id, code, raw)
		return nil, err
	}

	m.invalidate(ctx, claimstore.AgentDeviceCountKey(agentID))
	slog.Info("Device activated", "device_id", id, "account_id", accountID, "agent_id", agentID)
	return device, nil
}

// restoreClaim puts a taken claim back after the device insert failed, so the
// operator can retry with the same code. It runs detached from the request
// context, which may already be cancelled.
func (m *Manager) restoreClaim(id, code, raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	if _, err := m.store.SetNX(ctx, claimstore.ActivationInfoKey(id), raw, m.claimTTL); err != nil {
		slog.Error("Failed to restore activation claim", "device_id", id, "error", err)
		return
	}
	if _, err := m.store.SetNX(ctx, claimstore.ActivationCodeKey(code), id, m.claimTTL); err != nil {
		slog.Error("Failed to restore activation code", "device_id", id, "error", err)
	}
}

// Unbind removes a device owned by accountID and drops the cached aggregates
// of the agent it was linked to.
func (m *Manager) Unbind(ctx context.Context, accountID, hardwareID string) error {
	device, err := m.devices.Delete(ctx, accountID, devices.NormalizeID(hardwareID))
	if err != nil {
		return err
	}
	m.invalidate(ctx,
		claimstore.AgentDeviceCountKey(device.AgentID),
		claimstore.AgentLastConnectedKey(device.AgentID))
	slog.Info("Device unbound", "device_id", device.ID, "account_id", accountID, "agent_id", device.AgentID)
	return nil
}

// DeviceCount returns how many devices are linked to agentID, served from the
// claim store when cached.
func (m *Manager) DeviceCount(ctx context.Context, agentID string) (int64, error) {
	key := claimstore.AgentDeviceCountKey(agentID)
	if cached, err := m.store.Get(ctx, key); err == nil {
		if n, err := strconv.ParseInt(cached, 10, 64); err == nil {
			return n, nil
		}
	} else if !errors.Is(err, claimstore.ErrNotFound) {
		slog.Warn("Device count cache unavailable", "agent_id", agentID, "error", err)
	}

	count, err := m.devices.CountByAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if err := m.store.Set(ctx, key, strconv.FormatInt(count, 10), m.countTTL); err != nil {
		slog.Warn("Failed to cache device count", "agent_id", agentID, "error", err)
	}
	return count, nil
}

func (m *Manager) invalidate(ctx context.Context, keys ...string) {
	if err := m.store.Delete(ctx, keys...); err != nil {
		slog.Warn("Failed to invalidate cached aggregates", "keys", keys, "error", err)
	}
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
