package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetboot/ota-server/internal/claimstore"
	"github.com/google/uuid"
)

// NoFirmwareURL is returned in place of a download link when no upgrade
// applies. The host is reserved and never resolves.
const NoFirmwareURL = "http://firmware.invalid/ota/download/NOT_ACTIVATED_FIRMWARE_THIS_IS_A_INVALID_URL"

const (
	DefaultTokenTTL = 24 * time.Hour
	catalogTimeout  = 10 * time.Second
	baselineVersion = "0.0.0"
)

var ErrTokenNotFound = errors.New("download token not found")

// Directive tells a device which firmware version to run and where to fetch
// it.
type Directive struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

type Selector struct {
	catalog  Catalog
	store    claimstore.Store
	tokenTTL time.Duration
}

func NewSelector(catalog Catalog, store claimstore.Store, tokenTTL time.Duration) *Selector {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Selector{catalog: catalog, store: store, tokenTTL: tokenTTL}
}

// Select decides whether a device running reportedVersion on boardType should
// upgrade. A blank board type yields no directive. When the catalog holds a
// strictly newer release, a single-use download token is minted and embedded
// in the returned URL. Otherwise, including on catalog or store failures, the
// directive echoes the reported version with NoFirmwareURL.
func (s *Selector) Select(ctx context.Context, otaURL, boardType, reportedVersion string) *Directive {
	if strings.TrimSpace(boardType) == "" {
		return nil
	}
	if strings.TrimSpace(reportedVersion) == "" {
		reportedVersion = baselineVersion
	}
	current := &Directive{Version: reportedVersion, URL: NoFirmwareURL}

	lookupCtx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()

	release, err := s.catalog.Latest(lookupCtx, boardType)
	if err != nil {
		if !errors.Is(err, ErrReleaseNotFound) {
			slog.Error("Failed to look up latest firmware", "board", boardType, "error", err)
		}
		return current
	}

	if CompareVersions(release.Version, reportedVersion) <= 0 {
		return current
	}

	if strings.TrimSpace(otaURL) == "" {
		slog.Error("OTA base address is not configured, cannot offer firmware", "board", boardType, "version", release.Version)
		return current
	}

	token := uuid.New().String()
	if err := s.store.Set(ctx, claimstore.DownloadTokenKey(token), release.ID, s.tokenTTL); err != nil {
		slog.Error("Failed to record download token", "board", boardType, "release_id", release.ID, "error", err)
		return current
	}

	slog.Debug("Offering firmware upgrade", "board", boardType, "from", reportedVersion, "to", release.Version)
	return &Directive{Version: release.Version, URL: DownloadURL(otaURL, token)}
}

// Redeem exchanges a download token for its release. A token can be redeemed
// once.
func (s *Selector) Redeem(ctx context.Context, token string) (*Release, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrTokenNotFound
	}

	releaseID, err := s.store.GetDelete(ctx, claimstore.DownloadTokenKey(token))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to redeem download token: %w", err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()

	release, err := s.catalog.Get(lookupCtx, releaseID)
	if err != nil {
		return nil, err
	}
	return release, nil
}

// DownloadURL derives the download link for token from the OTA check-in
// address: "/ota/" becomes "/ota/download/", or "/download/" is appended
// when the address has no such segment.
func DownloadURL(otaURL, token string) string {
	if strings.Contains(otaURL, "/ota/") {
		return strings.Replace(otaURL, "/ota/", "/ota/download/", 1) + token
	}
	return strings.TrimRight(otaURL, "/") + "/download/" + token
}
