package tests

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fleetboot/ota-server/internal/api/http/dto"
	"github.com/fleetboot/ota-server/internal/checkin"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deviceMAC = "AA:BB:CC:00:11:22"
	deviceID  = "aa:bb:cc:00:11:22"
	agentID   = "agent-system"
	accountID = "account-system"
)

func checkIn(t *testing.T, router *gin.Engine, version string) checkin.Response {
	t.Helper()
	body := map[string]any{
		"application": map[string]string{"version": version},
		"board":       map[string]string{"type": "esp32-s3"},
	}
	rr := doJSON(router, "POST", "/ota/", body, map[string]string{
		"Device-Id": deviceMAC,
		"Client-Id": "client-1",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp checkin.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func registerRelease(t *testing.T, router *gin.Engine, version, location string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("board_type", "esp32-s3"))
	require.NoError(t, w.WriteField("version", version))
	require.NoError(t, w.WriteField("url", location))
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/api/v1/firmware", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-API-Key", AdminAPIKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

// TestDeviceLifecycle walks one device from first contact through binding,
// an upgrade and unbinding.
func TestDeviceLifecycle(t *testing.T, router *gin.Engine) {
	var code string

	t.Run("unbound device receives a code", func(t *testing.T) {
		resp := checkIn(t, router, "1.0.0")
		require.NotNil(t, resp.Activation)
		code = resp.Activation.Code
		assert.Len(t, code, 6)
		assert.Equal(t, "https://console.test\n"+code, resp.Activation.Message)
		assert.Nil(t, resp.Firmware)
		assert.Equal(t, "ws://ws.test/xiaozhi/v1/", resp.Websocket.URL)
		assert.NotEmpty(t, resp.Websocket.Token)

		again := checkIn(t, router, "1.0.0")
		require.NotNil(t, again.Activation)
		assert.Equal(t, code, again.Activation.Code)
	})

	t.Run("activation poll is pending", func(t *testing.T) {
		rr := doJSON(router, "POST", "/ota/activate", nil, map[string]string{"Device-Id": deviceMAC})
		assert.Equal(t, http.StatusAccepted, rr.Code)
	})

	t.Run("operator binds the device", func(t *testing.T) {
		rr := doJSON(router, "POST", "/api/v1/devices/bind/"+code, dto.BindDeviceRequest{AgentID: agentID}, bearer(t, accountID))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var device dto.DeviceResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &device))
		assert.Equal(t, deviceID, device.ID)
		assert.Equal(t, "esp32-s3", device.Board)

		rr = doJSON(router, "POST", "/api/v1/devices/bind/"+code, dto.BindDeviceRequest{AgentID: agentID}, bearer(t, accountID))
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = doJSON(router, "POST", "/ota/activate", nil, map[string]string{"Device-Id": deviceMAC})
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "success", rr.Body.String())
	})

	t.Run("bound device is offered an upgrade", func(t *testing.T) {
		resp := checkIn(t, router, "1.0.0")
		require.NotNil(t, resp.Firmware)
		assert.Nil(t, resp.Activation)
		assert.Equal(t, "1.0.0", resp.Firmware.Version)

		registerRelease(t, router, "2.0.0", "https://cdn.test/esp32-s3/2.0.0.bin")

		resp = checkIn(t, router, "1.0.0")
		require.NotNil(t, resp.Firmware)
		assert.Equal(t, "2.0.0", resp.Firmware.Version)
		require.True(t, strings.HasPrefix(resp.Firmware.URL, "http://ota.test/ota/download/"))
		require.NotNil(t, resp.MQTT)
		assert.Equal(t, "esp32-s3@@@AA_BB_CC_00_11_22@@@AA_BB_CC_00_11_22", resp.MQTT.ClientID)

		path := strings.TrimPrefix(resp.Firmware.URL, "http://ota.test")
		rr := doJSON(router, "GET", path, nil, nil)
		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "https://cdn.test/esp32-s3/2.0.0.bin", rr.Header().Get("Location"))

		rr = doJSON(router, "GET", path, nil, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, "download tokens are single use")

		resp = checkIn(t, router, "2.0.0")
		require.NotNil(t, resp.Firmware)
		assert.Equal(t, "2.0.0", resp.Firmware.Version)
	})

	t.Run("device count", func(t *testing.T) {
		rr := doJSON(router, "GET", "/api/v1/agents/"+agentID+"/device-count", nil, bearer(t, accountID))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.DeviceCountResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, int64(1), resp.Count)
	})

	t.Run("only the owner can unbind", func(t *testing.T) {
		rr := doJSON(router, "DELETE", "/api/v1/devices/"+deviceID, nil, bearer(t, "someone-else"))
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = doJSON(router, "DELETE", "/api/v1/devices/"+deviceID, nil, bearer(t, accountID))
		assert.Equal(t, http.StatusNoContent, rr.Code)

		resp := checkIn(t, router, "2.0.0")
		require.NotNil(t, resp.Activation, "an unbound device is asked to activate again")
	})
}

func TestBindRequiresAuth(t *testing.T, router *gin.Engine) {
	rr := doJSON(router, "POST", "/api/v1/devices/bind/123456", dto.BindDeviceRequest{AgentID: agentID}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(router, "GET", "/api/v1/firmware/esp32-s3/latest", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
