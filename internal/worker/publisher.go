package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/minatran/wabulk-be/internal/engine/domain"
	"github.com/minatran/wabulk-be/shared/rabbitmq"
)

// ProgressPublisher sends engine progress events over the progress queue
// toward the API service, which relays them to live SSE observers.
type ProgressPublisher struct {
	client *rabbitmq.Client
}

// NewProgressPublisher creates a publisher bound to the progress queue
func NewProgressPublisher(client *rabbitmq.Client) *ProgressPublisher {
	return &ProgressPublisher{client: client}
}

// Publish implements engine.Publisher
func (p *ProgressPublisher) Publish(ctx context.Context, event domain.ProgressEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}

	return p.client.Publish(ctx, body, "application/json")
}
