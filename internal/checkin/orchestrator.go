// Package checkin answers a device's periodic report: who it is, which
// firmware it should run, and how it reaches the real-time channels.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/fleetboot/ota-server/internal/activation"
	"github.com/fleetboot/ota-server/internal/config"
	"github.com/fleetboot/ota-server/internal/credentials"
	"github.com/fleetboot/ota-server/internal/devices"
	"github.com/fleetboot/ota-server/internal/firmware"
)

var (
	ErrMissingIdentifier = errors.New("device id is required")
	ErrInvalidIdentifier = errors.New("invalid device id")
)

// FallbackWebsocketURL is handed out when no WebSocket endpoint is
// configured so that devices still receive a well-formed response.
const FallbackWebsocketURL = "ws://localhost:8000/xiaozhi/v1/"

type Request struct {
	HardwareID string
	ClientID   string
	ClientIP   string
	// RequestURL is the address the check-in arrived on. It stands in for
	// the OTA base address when none is configured.
	RequestURL string
	Board      string
	ChipModel  string
	AppVersion string
}

type ServerTime struct {
	Timestamp      int64  `json:"timestamp"`
	Timezone       string `json:"timezone"`
	TimezoneOffset int    `json:"timezone_offset"`
}

type Websocket struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type Activation struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Challenge string `json:"challenge"`
}

type Response struct {
	ServerTime ServerTime                  `json:"server_time"`
	Firmware   *firmware.Directive         `json:"firmware,omitempty"`
	Websocket  Websocket                   `json:"websocket"`
	MQTT       *credentials.MQTTCredential `json:"mqtt,omitempty"`
	Activation *Activation                 `json:"activation,omitempty"`
}

// Activator issues claim codes for unbound hardware.
type Activator interface {
	IssueOrReuse(ctx context.Context, hardwareID string, profile activation.Profile) (string, error)
}

// FirmwareSelector decides on upgrades for bound hardware.
type FirmwareSelector interface {
	Select(ctx context.Context, otaURL, boardType, reportedVersion string) *firmware.Directive
}

// UpdateQueue receives connection updates for bound devices.
type UpdateQueue interface {
	Enqueue(job UpdateJob) bool
}

type Orchestrator struct {
	config    config.Source
	devices   devices.Repository
	activator Activator
	selector  FirmwareSelector
	updates   UpdateQueue
	now       func() time.Time
	pick      func(n int) int
}

func NewOrchestrator(cfg config.Source, repo devices.Repository, activator Activator, selector FirmwareSelector, updates UpdateQueue) *Orchestrator {
	return &Orchestrator{
		config:    cfg,
		devices:   repo,
		activator: activator,
		selector:  selector,
		updates:   updates,
		now:       time.Now,
		pick:      rand.IntN,
	}
}

// CheckIn builds the response for one device report. Validation failures are
// returned as ErrMissingIdentifier or ErrInvalidIdentifier; any other error
// means a backing store could not be reached.
func (o *Orchestrator) CheckIn(ctx context.Context, req Request) (*Response, error) {
	rawID := strings.TrimSpace(req.HardwareID)
	if rawID == "" {
		return nil, ErrMissingIdentifier
	}
	if !devices.ValidID(rawID) {
		return nil, ErrInvalidIdentifier
	}
	id := devices.NormalizeID(rawID)

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		clientID = rawID
	}

	snapshot := o.config.Current()
	server := snapshot.Server()
	now := o.now()

	device, err := o.devices.GetByID(ctx, id)
	if err != nil && !errors.Is(err, devices.ErrDeviceNotFound) {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	if errors.Is(err, devices.ErrDeviceNotFound) {
		device = nil
	}

	resp := &Response{ServerTime: serverTime(now, snapshot.Location())}

	issuer := credentials.NewIssuer(snapshot)
	issuer.Now = func() time.Time { return now }

	mqttGroup := ""
	if device != nil {
		mqttGroup = device.Board

		o.updates.Enqueue(UpdateJob{
			DeviceID:    device.ID,
			AgentID:     device.AgentID,
			ConnectedAt: now,
			AppVersion:  req.AppVersion,
		})

		if device.AutoUpdate {
			otaURL := server.OTA
			if strings.TrimSpace(otaURL) == "" {
				slog.Error("OTA address not configured, falling back to request URL", "key", config.KeyOTA)
				otaURL = req.RequestURL
			}
			resp.Firmware = o.selector.Select(ctx, otaURL, req.Board, req.AppVersion)
		}
	} else {
		code, err := o.activator.IssueOrReuse(ctx, rawID, activation.Profile{
			Board:      req.Board,
			ChipModel:  req.ChipModel,
			AppVersion: req.AppVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to issue activation code: %w", err)
		}
		resp.Activation = &Activation{
			Code:      code,
			Message:   server.FrontendURL + "\n" + code,
			Challenge: rawID,
		}
	}

	resp.Websocket = Websocket{
		URL:   o.websocketURL(snapshot),
		Token: issuer.WebSocketToken(clientID, rawID),
	}
	resp.MQTT = issuer.MQTT(mqttGroup, rawID, req.ClientIP)

	return resp, nil
}

func (o *Orchestrator) websocketURL(snapshot *config.Snapshot) string {
	urls := snapshot.WebsocketURLs()
	if len(urls) == 0 {
		slog.Error("WebSocket address not configured, using fallback", "key", config.KeyWebsocket)
		return FallbackWebsocketURL
	}
	return urls[o.pick(len(urls))]
}

func serverTime(now time.Time, loc *time.Location) ServerTime {
	local := now.In(loc)
	_, offset := local.Zone()
	return ServerTime{
		Timestamp:      now.UnixMilli(),
		Timezone:       loc.String(),
		TimezoneOffset: offset / 60,
	}
}
