package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/thumbnailer/internal/api/dto"
	"github.com/cuongbtq/thumbnailer/internal/files"
)

const (
	sourceMemory  = "memory"
	sourceHistory = "history"
)

// GetFile handles GET /api/v1/files?uri=...
// Reports the in-memory state of a file, falling back to the last persisted one
func (h *FileHandler) GetFile(c *gin.Context) {
	uri := c.Query("uri")
	if uri == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "uri is required"})
		return
	}

	if f, ok := h.catalog.Get(uri); ok {
		c.JSON(http.StatusOK, dto.FileResponse{
			URI:         f.URI(),
			ContentType: f.ContentType(),
			State:       string(f.ThumbState()),
			Source:      sourceMemory,
		})
		return
	}

	if h.states == nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "file not found"})
		return
	}

	rec, err := h.states.GetState(c.Request.Context(), uri)
	if errors.Is(err, files.ErrStateNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "file not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get thumbnail state", slog.String("uri", uri), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get thumbnail state"})
		return
	}

	updated := rec.UpdatedAt
	c.JSON(http.StatusOK, dto.FileResponse{
		URI:       rec.URI,
		State:     string(rec.State),
		UpdatedAt: &updated,
		Source:    sourceHistory,
	})
}
