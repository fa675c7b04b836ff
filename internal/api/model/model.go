package model

import (
	"database/sql"
	"time"
)

// Job is the jobs table row. Counts are denormalized; pending is derived
// as total - sent - failed - skipped - cancelled.
type Job struct {
	JobID            string         `db:"job_id"`
	OwnerID          string         `db:"owner_id"`
	TemplateName     string         `db:"template_name"`
	TemplateLanguage string         `db:"template_language"`
	TemplateCategory string         `db:"template_category"`
	Variables        []byte         `db:"variables"`
	State            string         `db:"state"`
	Total            int            `db:"total"`
	Sent             int            `db:"sent"`
	Failed           int            `db:"failed"`
	Skipped          int            `db:"skipped"`
	Cancelled        int            `db:"cancelled"`
	BatchSize        int            `db:"batch_size"`
	Concurrency      int            `db:"concurrency"`
	MaxRetries       int            `db:"max_retries"`
	FailureReason    sql.NullString `db:"failure_reason"`
	CreatedAt        time.Time      `db:"created_at"`
	StartedAt        sql.NullTime   `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	LastHeartbeatAt  sql.NullTime   `db:"last_heartbeat_at"`
}

// Pending returns the number of recipients without a terminal outcome.
func (j *Job) Pending() int {
	return j.Total - j.Sent - j.Failed - j.Skipped - j.Cancelled
}

// Recipient is the job_recipients table row. Rows are immutable after the
// job is created.
type Recipient struct {
	JobID          string `db:"job_id"`
	RecipientIndex int    `db:"recipient_index"`
	Phone          string `db:"phone"`
	Variables      []byte `db:"variables"`
}
