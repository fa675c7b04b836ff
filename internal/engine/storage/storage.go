// Package storage is the engine-side persistence gateway: job claims,
// append-only outcome records, counts and finalization.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/minatran/wabulk-be/internal/engine/domain"
)

// Storage handles all database operations for the dispatch engine
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

type jobRow struct {
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
	StartedAt        *time.Time     `db:"started_at"`
	CompletedAt      *time.Time     `db:"completed_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	var vars map[string]string
	if len(r.Variables) > 0 {
		if err := json.Unmarshal(r.Variables, &vars); err != nil {
			return nil, fmt.Errorf("failed to decode job variables: %w", err)
		}
	}

	return &domain.Job{
		ID:      r.JobID,
		OwnerID: r.OwnerID,
		Template: domain.TemplateRef{
			Name:     r.TemplateName,
			Language: r.TemplateLanguage,
			Category: r.TemplateCategory,
		},
		Variables: vars,
		State:     r.State,
		Counts: domain.Counts{
			Total:     r.Total,
			Sent:      r.Sent,
			Failed:    r.Failed,
			Skipped:   r.Skipped,
			Cancelled: r.Cancelled,
		},
		BatchSize:     r.BatchSize,
		Concurrency:   r.Concurrency,
		MaxRetries:    r.MaxRetries,
		FailureReason: r.FailureReason.String,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}, nil
}

const jobColumns = `
	job_id, owner_id, template_name, template_language, template_category,
	variables, state, total, sent, failed, skipped, cancelled,
	batch_size, concurrency, max_retries, failure_reason,
	created_at, started_at, completed_at
`

// staleClaimAfter is how long a RUNNING job may go without a heartbeat
// before another worker may take it over. Three missed beats at the
// default 30s interval.
const staleClaimAfter = 90 * time.Second

// ClaimJob attempts to claim a job using a compare-and-set on the state
// column. A PENDING job is always claimable; a RUNNING job is claimable
// again once its heartbeat has gone stale, so an interrupted run can be
// resumed by whichever worker receives the requeued message. Returns the
// full job on success, domain.ErrJobAlreadyClaimed if a live worker holds
// it or the job was cancelled before starting.
func (s *Storage) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET state = $1,
		    started_at = COALESCE(started_at, NOW()),
		    last_heartbeat_at = NOW()
		WHERE job_id = $2
		  AND (state = $3
		       OR (state = $1 AND last_heartbeat_at < NOW() - make_interval(secs => $4)))
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query,
		domain.JobStateRunning, jobID, domain.JobStatePending, staleClaimAfter.Seconds()).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("template", job.Template.Name),
		slog.Int("total", job.Counts.Total),
	)

	return job, nil
}

// GetJobState returns just the current state of a job. The engine polls it
// between batches and dispatches to observe cancellation.
func (s *Storage) GetJobState(ctx context.Context, jobID string) (string, error) {
	var state string
	err := s.db.GetContext(ctx, &state, `SELECT state FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to get job state: %w", err)
	}
	return state, nil
}

// LoadPendingRecipients returns the ordered recipients that have no
// outcome yet. On a fresh job that is everyone; on a resumed job the
// already-settled recipients are excluded so they are neither re-sent nor
// double-recorded.
func (s *Storage) LoadPendingRecipients(ctx context.Context, jobID string) ([]domain.Recipient, error) {
	query := `
		SELECT r.recipient_index, r.phone, r.variables
		FROM job_recipients r
		WHERE r.job_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM message_outcomes o
			WHERE o.job_id = r.job_id AND o.recipient_index = r.recipient_index
		  )
		ORDER BY r.recipient_index ASC
	`

	rows, err := s.db.QueryxContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	defer rows.Close()

	var recipients []domain.Recipient
	for rows.Next() {
		var (
			r    domain.Recipient
			vars []byte
		)
		if err := rows.Scan(&r.Index, &r.Phone, &vars); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		if len(vars) > 0 {
			if err := json.Unmarshal(vars, &r.Variables); err != nil {
				return nil, fmt.Errorf("failed to decode recipient variables: %w", err)
			}
		}
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recipients: %w", err)
	}

	return recipients, nil
}

// CountOutcomes tallies the recorded outcomes of a job by status. A
// resumed run seeds its counters from this rather than trusting the jobs
// row, which may lag if the previous run died between an outcome insert
// and its counts update.
func (s *Storage) CountOutcomes(ctx context.Context, jobID string) (domain.Counts, error) {
	query := `
		SELECT status, COUNT(*) AS n
		FROM message_outcomes
		WHERE job_id = $1
		GROUP BY status
	`

	rows, err := s.db.QueryxContext(ctx, query, jobID)
	if err != nil {
		return domain.Counts{}, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	var counts domain.Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return domain.Counts{}, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		switch status {
		case domain.OutcomeSuccess:
			counts.Sent = n
		case domain.OutcomeFailed:
			counts.Failed = n
		case domain.OutcomeSkipped:
			counts.Skipped = n
		case domain.OutcomeCancelled:
			counts.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Counts{}, fmt.Errorf("failed to iterate outcome counts: %w", err)
	}

	return counts, nil
}

// AppendOutcome records one recipient's terminal outcome. Outcomes are
// append-only; the unique index on (job_id, recipient_index) makes a second
// insert for the same recipient fail loudly instead of overwriting.
func (s *Storage) AppendOutcome(ctx context.Context, o domain.Outcome) error {
	query := `
		INSERT INTO message_outcomes (
			job_id, recipient_index, phone, status,
			provider_message_id, error_kind, error_detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		o.JobID,
		o.RecipientIndex,
		o.Phone,
		o.Status,
		nullable(o.ProviderMessageID),
		nullable(o.ErrorKind),
		nullable(o.ErrorDetail),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}

	return nil
}

// UpdateJobCounts writes the current outcome counters for a job.
func (s *Storage) UpdateJobCounts(ctx context.Context, jobID string, counts domain.Counts) error {
	query := `
		UPDATE jobs
		SET sent = $1, failed = $2, skipped = $3, cancelled = $4
		WHERE job_id = $5
	`

	_, err := s.db.ExecContext(ctx, query, counts.Sent, counts.Failed, counts.Skipped, counts.Cancelled, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job counts: %w", err)
	}

	return nil
}

// FinalizeJob moves a job into a terminal state and stamps completed_at
// exactly once. A job cancelled mid-run keeps its CANCELLED state and
// failure reason but still receives the completion timestamp; the caller
// learns about the takeover through domain.ErrJobTerminal.
func (s *Storage) FinalizeJob(ctx context.Context, jobID, state, failureReason string) error {
	query := `
		UPDATE jobs
		SET state = CASE WHEN state = $2 THEN state ELSE $3 END,
		    failure_reason = CASE WHEN state = $2 THEN failure_reason ELSE $4 END,
		    completed_at = COALESCE(completed_at, NOW())
		WHERE job_id = $1
		  AND (state = $5 OR state = $2)
		RETURNING state
	`

	var finalState string
	err := s.db.QueryRowxContext(ctx, query,
		jobID, domain.JobStateCancelled, state, nullable(failureReason), domain.JobStateRunning).Scan(&finalState)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrJobTerminal
		}
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	if finalState != state {
		return domain.ErrJobTerminal
	}

	s.logger.Info("Job finalized",
		slog.String("job_id", jobID),
		slog.String("state", state),
	)

	return nil
}

// MarkRemainingCancelled records a cancelled outcome for every recipient
// that has none yet and returns how many were written. Called after a
// cancellation or systemic abort so every recipient still ends in exactly
// one terminal outcome.
func (s *Storage) MarkRemainingCancelled(ctx context.Context, jobID string) (int, error) {
	query := `
		INSERT INTO message_outcomes (job_id, recipient_index, phone, status, created_at)
		SELECT r.job_id, r.recipient_index, r.phone, $2, NOW()
		FROM job_recipients r
		WHERE r.job_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM message_outcomes o
			WHERE o.job_id = r.job_id AND o.recipient_index = r.recipient_index
		  )
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.OutcomeCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to mark remaining recipients cancelled: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

// UpdateHeartbeat refreshes the liveness timestamp of a running job.
func (s *Storage) UpdateHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW()
		WHERE job_id = $1 AND state = $2
	`

	_, err := s.db.ExecContext(ctx, query, jobID, domain.JobStateRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
