// Package gateway talks to the device gateway's management API, which relays
// MCP commands to devices over their MQTT session.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fleetboot/ota-server/internal/config"
	"github.com/fleetboot/ota-server/internal/credentials"
)

const (
	requestTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
	commandType      = "mcp"
	jsonRPCVersion   = "2.0"
	jsonRPCRequestID = 2
)

var (
	ErrNotConfigured = errors.New("gateway management address not configured")
	ErrCommandFailed = errors.New("gateway command failed")
)

// CommandRequest is the envelope the gateway expects on /api/commands.
type CommandRequest struct {
	Type    string         `json:"type"`
	Payload JSONRPCRequest `json:"payload"`
}

type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type ListToolsParams struct {
	WithUserTools bool `json:"withUserTools"`
}

type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type commandResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type toolContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type Client struct {
	config     config.Source
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(cfg config.Source) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		now:        time.Now,
	}
}

// ListTools returns the MCP tool list a device advertises. Any failure yields
// an empty JSON array.
func (c *Client) ListTools(ctx context.Context, board, macAddress string) json.RawMessage {
	data, err := c.send(ctx, board, macAddress, JSONRPCRequest{
		JSONRPC: jsonRPCVersion,
		ID:      jsonRPCRequestID,
		Method:  "tools/list",
		Params:  ListToolsParams{WithUserTools: true},
	})
	if err != nil {
		slog.Warn("Failed to list device tools", "device_id", macAddress, "error", err)
		return json.RawMessage("[]")
	}
	if len(data) == 0 || string(data) == "null" {
		return json.RawMessage("[]")
	}
	return data
}

// CallTool invokes an MCP tool on a device and decodes the first text
// content item of the result.
func (c *Client) CallTool(ctx context.Context, board, macAddress, name string, arguments map[string]any) (any, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	data, err := c.send(ctx, board, macAddress, JSONRPCRequest{
		JSONRPC: jsonRPCVersion,
		ID:      jsonRPCRequestID,
		Method:  "tools/call",
		Params:  CallToolParams{Name: name, Arguments: arguments},
	})
	if err != nil {
		return nil, err
	}

	var result toolContent
	if err := json.Unmarshal(data, &result); err != nil || len(result.Content) == 0 {
		return nil, nil
	}
	first := result.Content[0]
	if first.Type != "text" {
		return nil, nil
	}
	return decodeToolText(first.Text), nil
}

func decodeToolText(text string) any {
	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "":
		return nil
	case trimmed == "true":
		return true
	case trimmed == "false":
		return false
	case strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "["):
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return trimmed
}

func (c *Client) send(ctx context.Context, board, macAddress string, payload JSONRPCRequest) (json.RawMessage, error) {
	snapshot := c.config.Current()
	base := commandBaseURL(snapshot.Server().MQTTManagerAPI)
	if base == "" {
		return nil, ErrNotConfigured
	}

	clientID := credentials.MQTTClientID(board, macAddress)
	endpoint := base + "/api/commands/" + url.PathEscape(clientID)

	body, err := json.Marshal(CommandRequest{Type: commandType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	issuer := credentials.NewIssuer(snapshot)
	issuer.Now = c.now
	if token := issuer.Bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrCommandFailed, resp.StatusCode)
	}

	var result commandResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if !result.Success {
		return nil, ErrCommandFailed
	}
	return result.Data, nil
}

// commandBaseURL accepts a bare host:port as well as a full URL.
func commandBaseURL(address string) string {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if address == "" {
		return ""
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return address
}
