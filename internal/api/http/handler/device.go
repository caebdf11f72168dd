package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fleetboot/ota-server/internal/activation"
	"github.com/fleetboot/ota-server/internal/api/http/dto"
	"github.com/fleetboot/ota-server/internal/api/http/middleware"
	"github.com/fleetboot/ota-server/internal/devices"
	"github.com/gin-gonic/gin"
)

type ActivationService interface {
	Resolve(ctx context.Context, code, accountID, agentID string) (*devices.Device, error)
	Unbind(ctx context.Context, accountID, hardwareID string) error
	DeviceCount(ctx context.Context, agentID string) (int64, error)
}

type ToolGateway interface {
	ListTools(ctx context.Context, board, macAddress string) json.RawMessage
	CallTool(ctx context.Context, board, macAddress, name string, arguments map[string]any) (any, error)
}

type DeviceHandler struct {
	activation ActivationService
	devices    devices.Repository
	gateway    ToolGateway
}

func NewDeviceHandler(activation ActivationService, repo devices.Repository, gateway ToolGateway) *DeviceHandler {
	return &DeviceHandler{
		activation: activation,
		devices:    repo,
		gateway:    gateway,
	}
}

// Bind claims the device waiting on an activation code.
// POST /api/v1/devices/bind/:code
func (h *DeviceHandler) Bind(c *gin.Context) {
	accountID := c.GetString(middleware.AccountIDKey)

	var req dto.BindDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
		return
	}

	device, err := h.activation.Resolve(c.Request.Context(), c.Param("code"), accountID, req.AgentID)
	if err != nil {
		switch {
		case errors.Is(err, activation.ErrCodeEmpty):
			c.JSON(http.StatusBadRequest, gin.H{"error": "activation code is required"})
		case errors.Is(err, activation.ErrCodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "activation code not found"})
		case errors.Is(err, activation.ErrAlreadyActivated):
			c.JSON(http.StatusConflict, gin.H{"error": "device already activated"})
		default:
			slog.Error("Failed to bind device", "error", err, "account_id", accountID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to bind device"})
		}
		return
	}

	c.JSON(http.StatusOK, toDeviceResponse(device))
}

// Unbind releases a device owned by the caller.
// DELETE /api/v1/devices/:id
func (h *DeviceHandler) Unbind(c *gin.Context) {
	accountID := c.GetString(middleware.AccountIDKey)

	if err := h.activation.Unbind(c.Request.Context(), accountID, c.Param("id")); err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		slog.Error("Failed to unbind device", "error", err, "device_id", c.Param("id"), "account_id", accountID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unbind device"})
		return
	}

	c.Status(http.StatusNoContent)
}

// GET /api/v1/agents/:id/device-count
func (h *DeviceHandler) DeviceCount(c *gin.Context) {
	agentID := c.Param("id")

	count, err := h.activation.DeviceCount(c.Request.Context(), agentID)
	if err != nil {
		slog.Error("Failed to count devices", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count devices"})
		return
	}

	c.JSON(http.StatusOK, dto.DeviceCountResponse{AgentID: agentID, Count: count})
}

// ListTools returns the MCP tools a device exposes through the gateway.
// GET /api/v1/devices/:id/tools
func (h *DeviceHandler) ListTools(c *gin.Context) {
	device, ok := h.ownedDevice(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", h.gateway.ListTools(c.Request.Context(), device.Board, device.MacAddress))
}

// CallTool invokes an MCP tool on a device.
// POST /api/v1/devices/:id/tools/call
func (h *DeviceHandler) CallTool(c *gin.Context) {
	var req dto.CallToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	device, ok := h.ownedDevice(c)
	if !ok {
		return
	}

	result, err := h.gateway.CallTool(c.Request.Context(), device.Board, device.MacAddress, req.Name, req.Arguments)
	if err != nil {
		slog.Warn("Device tool call failed", "device_id", device.ID, "tool", req.Name, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "device tool call failed"})
		return
	}

	c.JSON(http.StatusOK, dto.CallToolResponse{Result: result})
}

// ownedDevice loads the device in the :id path parameter and answers 404
// unless the caller owns it.
func (h *DeviceHandler) ownedDevice(c *gin.Context) (*devices.Device, bool) {
	accountID := c.GetString(middleware.AccountIDKey)
	id := devices.NormalizeID(c.Param("id"))

	device, err := h.devices.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return nil, false
		}
		slog.Error("Failed to get device", "error", err, "device_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get device"})
		return nil, false
	}
	if device.UserID != accountID {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return nil, false
	}
	return device, true
}

func toDeviceResponse(d *devices.Device) dto.DeviceResponse {
	return dto.DeviceResponse{
		ID:              d.ID,
		MacAddress:      d.MacAddress,
		AgentID:         d.AgentID,
		Board:           d.Board,
		AppVersion:      d.AppVersion,
		AutoUpdate:      d.AutoUpdate,
		LastConnectedAt: d.LastConnectedAt,
		CreatedAt:       d.CreatedAt,
	}
}
