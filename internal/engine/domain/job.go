package domain

import "time"

// Job state constants
const (
	JobStatePending   = "PENDING"
	JobStateRunning   = "RUNNING"
	JobStateCompleted = "COMPLETED"
	JobStateFailed    = "FAILED"
	JobStateCancelled = "CANCELLED"
)

// IsTerminalState reports whether a job state admits no further transitions.
func IsTerminalState(state string) bool {
	switch state {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// TemplateRef identifies an approved provider template. Immutable once the
// job is created.
type TemplateRef struct {
	Name     string
	Language string
	Category string
}

// Recipient is one entry of a job's ordered recipient list. Variables, when
// present, override the job-level variables per placeholder.
type Recipient struct {
	Index     int
	Phone     string
	Variables map[string]string
}

// Counts tracks per-recipient outcome totals for a job. Pending is derived,
// never stored: Sent+Failed+Skipped+Cancelled+Pending() == Total.
type Counts struct {
	Total     int
	Sent      int
	Failed    int
	Skipped   int
	Cancelled int
}

// Pending returns the number of recipients without a terminal outcome yet.
func (c Counts) Pending() int {
	return c.Total - c.Sent - c.Failed - c.Skipped - c.Cancelled
}

// Job is a bulk send request owned by one account. The engine is the only
// writer while the job is RUNNING; terminal jobs are immutable.
type Job struct {
	ID            string
	OwnerID       string
	Template      TemplateRef
	Variables     map[string]string
	State         string
	Counts        Counts
	BatchSize     int
	Concurrency   int
	MaxRetries    int
	FailureReason string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// EffectiveVariables merges a recipient's overrides over the job-level
// variables. Recipient values win per placeholder.
func (j *Job) EffectiveVariables(r Recipient) map[string]string {
	if len(r.Variables) == 0 {
		return j.Variables
	}
	merged := make(map[string]string, len(j.Variables)+len(r.Variables))
	for k, v := range j.Variables {
		merged[k] = v
	}
	for k, v := range r.Variables {
		merged[k] = v
	}
	return merged
}
