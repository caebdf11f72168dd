package dto

import "time"

type BindDeviceRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

type DeviceResponse struct {
	ID              string    `json:"id"`
	MacAddress      string    `json:"mac_address"`
	AgentID         string    `json:"agent_id"`
	Board           string    `json:"board"`
	AppVersion      string    `json:"app_version"`
	AutoUpdate      bool      `json:"auto_update"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	CreatedAt       time.Time `json:"created_at"`
}

type DeviceCountResponse struct {
	AgentID string `json:"agent_id"`
	Count   int64  `json:"count"`
}

type CallToolRequest struct {
	Name      string         `json:"name" binding:"required"`
	Arguments map[string]any `json:"arguments"`
}

type CallToolResponse struct {
	Result any `json:"result"`
}
