package tests

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHealth(t *testing.T, router *gin.Engine) {
	rr := doJSON(router, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(router, "GET", "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(router, "GET", "/ota/", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "websocket cluster count: 1")
}
