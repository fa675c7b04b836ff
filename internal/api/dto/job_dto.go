package dto

import "fmt"

// DefaultMaxRecipients is the hard cap on a single job's recipient list
// when no cap is configured
const DefaultMaxRecipients = 50000

type SubmitBulkJobRequest struct {
	OwnerID    string            `json:"owner_id"`
	Template   TemplateInput     `json:"template"`
	Variables  map[string]string `json:"variables"`
	Recipients []RecipientInput  `json:"recipients"`
	Options    *JobOptions       `json:"options"`
}

type TemplateInput struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Category string `json:"category"`
}

type RecipientInput struct {
	Phone     string            `json:"phone"`
	Variables map[string]string `json:"variables"`
}

// JobOptions carries optional per-job overrides of the engine defaults
type JobOptions struct {
	BatchSize   int `json:"batch_size"`
	Concurrency int `json:"concurrency"`
	MaxRetries  int `json:"max_retries"`
}

// Validate returns every violation found, not just the first one, so a
// caller can fix the whole request in one round trip.
func (r *SubmitBulkJobRequest) Validate(maxRecipients int) []string {
	if maxRecipients <= 0 {
		maxRecipients = DefaultMaxRecipients
	}

	var violations []string

	if r.OwnerID == "" {
		violations = append(violations, "owner_id is required")
	}
	if r.Template.Name == "" {
		violations = append(violations, "template.name is required")
	}
	if r.Template.Language == "" {
		violations = append(violations, "template.language is required")
	}
	if len(r.Recipients) == 0 {
		violations = append(violations, "recipients must not be empty")
	}
	if len(r.Recipients) > maxRecipients {
		violations = append(violations, fmt.Sprintf("recipients exceed the maximum of %d (got %d)", maxRecipients, len(r.Recipients)))
	}
	for i, recipient := range r.Recipients {
		if recipient.Phone == "" {
			violations = append(violations, fmt.Sprintf("recipients[%d].phone is required", i))
		}
	}
	if r.Options != nil {
		if r.Options.BatchSize < 0 {
			violations = append(violations, "options.batch_size must not be negative")
		}
		if r.Options.Concurrency < 0 {
			violations = append(violations, "options.concurrency must not be negative")
		}
		if r.Options.MaxRetries < 0 {
			violations = append(violations, "options.max_retries must not be negative")
		}
	}

	return violations
}

// ValidationErrorResponse lists every violation of a rejected submission
type ValidationErrorResponse struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations"`
}

type SubmitBulkJobResponse struct {
	JobID     string `json:"job_id"`
	State     string `json:"state"`
	Total     int    `json:"total"`
	CreatedAt string `json:"created_at"`
}

type CountsDTO struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
}

type BulkJobDTO struct {
	JobID            string            `json:"job_id"`
	OwnerID          string            `json:"owner_id"`
	TemplateName     string            `json:"template_name"`
	TemplateLanguage string            `json:"template_language"`
	TemplateCategory string            `json:"template_category,omitempty"`
	Variables        map[string]string `json:"variables,omitempty"`
	State            string            `json:"state"`
	Counts           CountsDTO         `json:"counts"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	CreatedAt        string            `json:"created_at"`
	StartedAt        string            `json:"started_at,omitempty"`
	CompletedAt      string            `json:"completed_at,omitempty"`
}

type ListBulkJobsRequest struct {
	OwnerID  string `form:"owner_id"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListBulkJobsResponse struct {
	Jobs       []BulkJobDTO `json:"jobs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type CancelBulkJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}
