package domain

import "time"

// Progress event types
const (
	EventConnected      = "connected"
	EventBatchProgress  = "batch_progress"
	EventMessageResult  = "message_result"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
	EventDeliveryStatus = "delivery_status"
)

// ProgressEvent is a transient notification pushed to live observers of a
// job. Events are never persisted; a subscriber joining mid-job only sees
// events emitted after its subscription.
type ProgressEvent struct {
	JobID     string         `json:"job_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// NewConnectedEvent confirms a fresh subscription to an observer.
func NewConnectedEvent(jobID string) ProgressEvent {
	return ProgressEvent{
		JobID:     jobID,
		Type:      EventConnected,
		EmittedAt: time.Now().UTC(),
	}
}

// NewMessageResultEvent reports one recipient's terminal outcome.
func NewMessageResultEvent(o Outcome) ProgressEvent {
	payload := map[string]any{
		"recipient_index": o.RecipientIndex,
		"phone":           o.Phone,
		"status":          o.Status,
	}
	if o.ProviderMessageID != "" {
		payload["provider_message_id"] = o.ProviderMessageID
	}
	if o.ErrorKind != "" {
		payload["error_kind"] = o.ErrorKind
	}
	return ProgressEvent{
		JobID:     o.JobID,
		Type:      EventMessageResult,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
}

// NewBatchProgressEvent reports counts after a batch finished.
func NewBatchProgressEvent(jobID string, batch, totalBatches int, counts Counts) ProgressEvent {
	return ProgressEvent{
		JobID: jobID,
		Type:  EventBatchProgress,
		Payload: map[string]any{
			"batch":         batch,
			"total_batches": totalBatches,
			"total":         counts.Total,
			"sent":          counts.Sent,
			"failed":        counts.Failed,
			"skipped":       counts.Skipped,
			"cancelled":     counts.Cancelled,
			"pending":       counts.Pending(),
		},
		EmittedAt: time.Now().UTC(),
	}
}

// NewJobCompletedEvent reports the final counts of a finished job.
func NewJobCompletedEvent(jobID, state string, counts Counts) ProgressEvent {
	return ProgressEvent{
		JobID: jobID,
		Type:  EventJobCompleted,
		Payload: map[string]any{
			"state":     state,
			"total":     counts.Total,
			"sent":      counts.Sent,
			"failed":    counts.Failed,
			"skipped":   counts.Skipped,
			"cancelled": counts.Cancelled,
		},
		EmittedAt: time.Now().UTC(),
	}
}

// NewJobFailedEvent reports a systemic abort with its reason.
func NewJobFailedEvent(jobID, reason string, counts Counts) ProgressEvent {
	return ProgressEvent{
		JobID: jobID,
		Type:  EventJobFailed,
		Payload: map[string]any{
			"reason":    reason,
			"total":     counts.Total,
			"sent":      counts.Sent,
			"failed":    counts.Failed,
			"skipped":   counts.Skipped,
			"cancelled": counts.Cancelled,
		},
		EmittedAt: time.Now().UTC(),
	}
}

// NewDeliveryStatusEvent reports a provider webhook status update for an
// already-sent message.
func NewDeliveryStatusEvent(jobID string, recipientIndex int, providerMessageID, status string) ProgressEvent {
	return ProgressEvent{
		JobID: jobID,
		Type:  EventDeliveryStatus,
		Payload: map[string]any{
			"recipient_index":     recipientIndex,
			"provider_message_id": providerMessageID,
			"status":              status,
		},
		EmittedAt: time.Now().UTC(),
	}
}
