package tests

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetboot/ota-server/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	JWTSecret   = "system-test-secret"
	AdminAPIKey = "system-test-admin-key"
)

func doJSON(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func bearer(t *testing.T, accountID string) map[string]string {
	t.Helper()
	token, err := auth.GenerateToken(JWTSecret, accountID, "operator", time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}
