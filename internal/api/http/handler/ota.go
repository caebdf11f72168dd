package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fleetboot/ota-server/internal/api/http/dto"
	"github.com/fleetboot/ota-server/internal/checkin"
	"github.com/fleetboot/ota-server/internal/config"
	"github.com/fleetboot/ota-server/internal/devices"
	"github.com/gin-gonic/gin"
)

const (
	deviceIDHeader = "Device-Id"
	clientIDHeader = "Client-Id"
)

type CheckInService interface {
	CheckIn(ctx context.Context, req checkin.Request) (*checkin.Response, error)
}

type OTAHandler struct {
	checkin CheckInService
	devices devices.Repository
	config  config.Source
}

func NewOTAHandler(checkin CheckInService, repo devices.Repository, cfg config.Source) *OTAHandler {
	return &OTAHandler{
		checkin: checkin,
		devices: repo,
		config:  cfg,
	}
}

// CheckIn handles a device report.
// POST /ota/
//
// Validation failures are reported in the body with status 200; constrained
// firmware HTTP stacks treat any other status as a transport failure.
func (h *OTAHandler) CheckIn(c *gin.Context) {
	var body dto.CheckInRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusOK, dto.ErrorResponse{Error: "invalid device report"})
		return
	}

	resp, err := h.checkin.CheckIn(c.Request.Context(), checkin.Request{
		HardwareID: c.GetHeader(deviceIDHeader),
		ClientID:   c.GetHeader(clientIDHeader),
		ClientIP:   c.ClientIP(),
		RequestURL: requestURL(c),
		Board:      body.Board.Type,
		ChipModel:  body.ChipModel(),
		AppVersion: body.Application.Version,
	})
	if err != nil {
		if errors.Is(err, checkin.ErrMissingIdentifier) || errors.Is(err, checkin.ErrInvalidIdentifier) {
			c.JSON(http.StatusOK, dto.ErrorResponse{Error: err.Error()})
			return
		}
		slog.Error("Check-in failed", "device_id", c.GetHeader(deviceIDHeader), "error", err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Activate lets a device poll whether an operator has claimed it.
// POST /ota/activate
func (h *OTAHandler) Activate(c *gin.Context) {
	id := strings.TrimSpace(c.GetHeader(deviceIDHeader))
	if id == "" || !devices.ValidID(id) {
		c.Status(http.StatusAccepted)
		return
	}

	_, err := h.devices.GetByID(c.Request.Context(), devices.NormalizeID(id))
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			c.Status(http.StatusAccepted)
			return
		}
		slog.Error("Failed to look up device for activation poll", "device_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error"})
		return
	}

	c.String(http.StatusOK, "success")
}

// Status reports whether the endpoints devices need are configured.
// GET /ota/
func (h *OTAHandler) Status(c *gin.Context) {
	snapshot := h.config.Current()
	if missing := snapshot.MissingKeys(); len(missing) > 0 {
		c.String(http.StatusOK, fmt.Sprintf("OTA interface is not operational: %s is not configured", missing[0]))
		return
	}
	c.String(http.StatusOK, fmt.Sprintf("OTA interface is operational, websocket cluster count: %d", len(snapshot.WebsocketURLs())))
}

func requestURL(c *gin.Context) string {
	scheme := "http"
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.Path
}
