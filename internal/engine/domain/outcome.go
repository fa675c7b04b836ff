package domain

import "time"

// Outcome status constants
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped_duplicate"
	OutcomeCancelled = "cancelled"
)

// Error kind constants recorded on failed outcomes
const (
	ErrorKindRetryable = "Retryable"
	ErrorKindPermanent = "Permanent"
)

// Outcome is the terminal, append-only record of one delivery attempt.
// Exactly one outcome exists per (JobID, RecipientIndex); it is never
// mutated after creation except for DeliveryStatus, which the provider
// webhook may fill in later.
type Outcome struct {
	JobID             string
	RecipientIndex    int
	Phone             string
	Status            string
	ProviderMessageID string
	ErrorKind         string
	ErrorDetail       string
	DeliveryStatus    string
	CreatedAt         time.Time
}
