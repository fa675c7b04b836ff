package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minatran/wabulk-be/internal/engine/domain"
)

// StreamJobEvents handles GET /api/v1/bulk-jobs/:job_id/events
// Streams progress events over SSE until the client disconnects or the
// job reaches a terminal state. Subscribers joining mid-job only see
// events emitted after they join; there is no replay.
func (h *BulkJobHandler) StreamJobEvents(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if _, err := h.storage.GetJobByID(c.Request.Context(), jobID); err != nil {
		if err == domain.ErrJobNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	sub := h.hub.Subscribe(jobID)
	defer h.hub.Unsubscribe(sub)

	h.logger.Info("SSE observer connected", slog.String("job_id", jobID))

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			// terminal events end the stream after delivery
			return event.Type != domain.EventJobCompleted && event.Type != domain.EventJobFailed
		case <-c.Request.Context().Done():
			return false
		}
	})

	h.logger.Info("SSE observer disconnected", slog.String("job_id", jobID))
}
