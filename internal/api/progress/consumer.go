// Package progress relays worker progress events from RabbitMQ into the
// in-process broadcast hub so SSE observers connected to this API instance
// receive them.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/minatran/wabulk-be/internal/engine/domain"
	"github.com/minatran/wabulk-be/internal/hub"
	"github.com/minatran/wabulk-be/shared/rabbitmq"
)

// Consumer drains the progress queue and fans events into the hub
type Consumer struct {
	client        *rabbitmq.Client
	hub           *hub.Hub
	logger        *slog.Logger
	prefetchCount int
}

// NewConsumer creates a progress relay consumer
func NewConsumer(client *rabbitmq.Client, h *hub.Hub, prefetchCount int, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:        client,
		hub:           h,
		logger:        logger,
		prefetchCount: prefetchCount,
	}
}

// Start begins consuming progress events until the context is cancelled.
// Events are acknowledged after the hub publish; an event that fails to
// decode is acknowledged and dropped, since requeueing cannot fix it.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.client.Consume("progress-relay", c.prefetchCount)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Progress consumer stopping")
				return
			case delivery, ok := <-deliveries:
				if !ok {
					c.logger.Warn("Progress delivery channel closed")
					return
				}

				var event domain.ProgressEvent
				if err := json.Unmarshal(delivery.Body, &event); err != nil {
					c.logger.Error("Failed to decode progress event",
						slog.String("error", err.Error()),
					)
					_ = delivery.Ack(false)
					continue
				}

				c.hub.Publish(event)

				if err := delivery.Ack(false); err != nil {
					c.logger.Error("Failed to ack progress event",
						slog.String("job_id", event.JobID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	return nil
}
