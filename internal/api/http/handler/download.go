package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fleetboot/ota-server/internal/api/http/dto"
	"github.com/fleetboot/ota-server/internal/firmware"
	"github.com/gin-gonic/gin"
)

type TokenRedeemer interface {
	Redeem(ctx context.Context, token string) (*firmware.Release, error)
}

type DownloadHandler struct {
	redeemer TokenRedeemer
}

func NewDownloadHandler(redeemer TokenRedeemer) *DownloadHandler {
	return &DownloadHandler{redeemer: redeemer}
}

// Download exchanges a one-time token for the firmware binary.
// GET /ota/download/:token
func (h *DownloadHandler) Download(c *gin.Context) {
	token := c.Param("token")

	release, err := h.redeemer.Redeem(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, firmware.ErrTokenNotFound) || errors.Is(err, firmware.ErrReleaseNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "firmware not found"})
			return
		}
		slog.Error("Failed to redeem download token", "error", err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error"})
		return
	}

	if isRemoteLocation(release.Location) {
		c.Redirect(http.StatusFound, release.Location)
		return
	}

	info, err := os.Stat(release.Location)
	if err != nil || info.IsDir() {
		slog.Error("Firmware binary missing on disk", "release_id", release.ID, "location", release.Location, "error", err)
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "firmware not found"})
		return
	}

	slog.Info("Serving firmware", "release_id", release.ID, "board", release.BoardType, "version", release.Version)
	c.FileAttachment(release.Location, filepath.Base(release.Location))
}
