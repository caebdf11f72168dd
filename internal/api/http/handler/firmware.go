package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fleetboot/ota-server/internal/api/http/dto"
	"github.com/fleetboot/ota-server/internal/firmware"
	"github.com/gin-gonic/gin"
)

const maxUploadSize = 32 * 1024 * 1024

var releaseFieldPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type FirmwareHandler struct {
	catalog firmware.Catalog
	dir     string
}

func NewFirmwareHandler(catalog firmware.Catalog, dir string) *FirmwareHandler {
	return &FirmwareHandler{catalog: catalog, dir: dir}
}

// Upload registers a firmware release. The binary is either uploaded as the
// "file" form field and stored under the firmware directory, or referenced by
// the "url" form field.
// POST /api/v1/firmware
func (h *FirmwareHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	boardType := c.PostForm("board_type")
	version := c.PostForm("version")
	if !releaseFieldPattern.MatchString(boardType) || !releaseFieldPattern.MatchString(version) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "board_type and version are required"})
		return
	}

	release := &firmware.Release{BoardType: boardType, Version: version}

	if location := strings.TrimSpace(c.PostForm("url")); location != "" {
		if !isRemoteLocation(location) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url must be http or https"})
			return
		}
		release.Location = location
	} else {
		path, size, err := h.saveBinary(c, boardType, version)
		if err != nil {
			if errors.Is(err, errInvalidUpload) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if errors.Is(err, firmware.ErrReleaseExists) {
				c.JSON(http.StatusConflict, gin.H{"error": "release already exists"})
				return
			}
			slog.Error("Failed to store firmware binary", "error", err, "board", boardType, "version", version)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save file"})
			return
		}
		release.Location = path
		release.Size = size
	}

	if err := h.catalog.Create(c.Request.Context(), release); err != nil {
		if !isRemoteLocation(release.Location) {
			_ = os.Remove(release.Location)
		}
		if errors.Is(err, firmware.ErrReleaseExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "release already exists"})
			return
		}
		slog.Error("Failed to create firmware release", "error", err, "board", boardType, "version", version)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create release"})
		return
	}

	slog.Info("Firmware release registered", "release_id", release.ID, "board", boardType, "version", version)
	c.JSON(http.StatusCreated, toFirmwareResponse(release))
}

// Latest returns the release devices of a board type are offered.
// GET /api/v1/firmware/:board/latest
func (h *FirmwareHandler) Latest(c *gin.Context) {
	release, err := h.catalog.Latest(c.Request.Context(), c.Param("board"))
	if err != nil {
		if errors.Is(err, firmware.ErrReleaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no release for board"})
			return
		}
		slog.Error("Failed to get latest release", "error", err, "board", c.Param("board"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get release"})
		return
	}
	c.JSON(http.StatusOK, toFirmwareResponse(release))
}

var errInvalidUpload = errors.New("file is required and must be a .bin image")

func (h *FirmwareHandler) saveBinary(c *gin.Context, boardType, version string) (string, int64, error) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		return "", 0, errInvalidUpload
	}
	defer file.Close()

	if filepath.Ext(header.Filename) != ".bin" {
		return "", 0, errInvalidUpload
	}

	if err := os.MkdirAll(h.dir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create firmware directory: %w", err)
	}

	target, err := filepath.Abs(filepath.Join(h.dir, fmt.Sprintf("%s_%s.bin", boardType, version)))
	if err != nil {
		return "", 0, fmt.Errorf("failed to resolve firmware path: %w", err)
	}
	if _, err := os.Stat(target); err == nil {
		return "", 0, firmware.ErrReleaseExists
	}

	tmpFile, err := os.CreateTemp(h.dir, "upload-*.bin")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	size, err := io.Copy(tmpFile, file)
	if closeErr := tmpFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to write upload: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), target); err != nil {
		return "", 0, fmt.Errorf("failed to move upload into place: %w", err)
	}
	return target, size, nil
}

func toFirmwareResponse(r *firmware.Release) dto.FirmwareResponse {
	return dto.FirmwareResponse{
		ID:        r.ID,
		BoardType: r.BoardType,
		Version:   r.Version,
		Location:  r.Location,
		Size:      r.Size,
		CreatedAt: r.CreatedAt,
	}
}

func isRemoteLocation(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
