package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/thumbnailer/internal/api/dto"
	"github.com/cuongbtq/thumbnailer/internal/files"
	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
)

// CreateRequest handles POST /api/v1/requests
// Registers the files and asks the thumbnailing service for their thumbnails
func (h *RequestHandler) CreateRequest(c *gin.Context) {
	var req dto.CreateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	batch := make([]*files.File, 0, len(req.Files))
	for _, ref := range req.Files {
		f, err := h.catalog.Add(ref.URI, ref.ContentType)
		if err != nil {
			h.logger.Warn("Invalid file", slog.String("uri", ref.URI), slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
		batch = append(batch, f)
	}

	submitted := make([]thumbnailer.File, len(batch))
	for i, f := range batch {
		submitted[i] = f
	}

	id, err := h.manager.Submit(c.Request.Context(), submitted)
	if err != nil {
		status := submitErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to submit thumbnail request", slog.Any("error", err))
		} else {
			h.logger.Info("Thumbnail request rejected", slog.String("reason", err.Error()))
		}
		c.JSON(status, dto.ErrorResponse{Error: err.Error()})
		return
	}

	resp := dto.CreateRequestResponse{
		RequestID: uint32(id),
		Files:     make([]dto.FileStateDTO, len(batch)),
	}
	for i, f := range batch {
		resp.Files[i] = dto.FileStateDTO{
			URI:   f.URI(),
			State: string(f.ThumbState()),
		}
	}

	h.logger.Info("Thumbnail request submitted",
		slog.Uint64("request_id", uint64(id)),
		slog.Int("files", len(batch)),
	)
	c.JSON(http.StatusAccepted, resp)
}

// CancelRequest handles POST /api/v1/requests/:request_id/cancel
// Cancelling an unknown or already finished request is a no-op
func (h *RequestHandler) CancelRequest(c *gin.Context) {
	raw := c.Param("request_id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "request_id must be a positive 32-bit integer"})
		return
	}

	h.manager.Cancel(thumbnailer.RequestID(id))

	h.logger.Info("Thumbnail request cancelled", slog.Uint64("request_id", id))
	c.JSON(http.StatusAccepted, dto.CancelRequestResponse{
		RequestID: uint32(id),
		Status:    "cancelled",
	})
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, thumbnailer.ErrNoEligibleFiles):
		return http.StatusUnprocessableEntity
	case errors.Is(err, thumbnailer.ErrServiceUnavailable), errors.Is(err, thumbnailer.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
