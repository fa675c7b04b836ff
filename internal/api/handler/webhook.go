package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minatran/wabulk-be/internal/engine/domain"
)

// webhookPayload is the subset of Meta's webhook notification the service
// consumes: message status updates (sent/delivered/read/failed).
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					RecipientID string `json:"recipient_id"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// VerifyWebhook handles GET /webhooks/whatsapp
// Meta's subscription handshake: echo the challenge when the verify token
// matches.
func (h *WebhookHandler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token != h.verifyToken {
		h.logger.Warn("Webhook verification rejected", slog.String("mode", mode))
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Verification failed",
		})
		return
	}

	c.String(http.StatusOK, challenge)
}

// ReceiveWebhook handles POST /webhooks/whatsapp
// Records delivery-status updates against already-persisted outcomes and
// relays them to live observers. Always answers 200 so Meta does not
// retry; statuses for unknown messages are logged and dropped.
func (h *WebhookHandler) ReceiveWebhook(c *gin.Context) {
	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.logger.Warn("Malformed webhook payload", slog.String("error", err.Error()))
		c.Status(http.StatusOK)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, status := range change.Value.Statuses {
				if status.ID == "" || status.Status == "" {
					continue
				}

				jobID, recipientIndex, err := h.storage.UpdateDeliveryStatus(c.Request.Context(), status.ID, status.Status)
				if err == domain.ErrJobNotFound {
					h.logger.Debug("Delivery status for unknown message",
						slog.String("provider_message_id", status.ID),
						slog.String("status", status.Status),
					)
					continue
				}
				if err != nil {
					h.logger.Error("Failed to update delivery status",
						slog.String("provider_message_id", status.ID),
						slog.String("error", err.Error()),
					)
					continue
				}

				h.hub.Publish(domain.NewDeliveryStatusEvent(jobID, recipientIndex, status.ID, status.Status))
			}
		}
	}

	c.Status(http.StatusOK)
}
