package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/minatran/wabulk-be/internal/api/model"
	"github.com/minatran/wabulk-be/internal/engine/domain"
	"github.com/minatran/wabulk-be/shared/postgresql"
)

// recipientChunkSize keeps one multi-row INSERT under the Postgres
// parameter limit (4 bind parameters per recipient row)
const recipientChunkSize = 1000

const jobColumns = `
	job_id, owner_id, template_name, template_language, template_category,
	variables, state, total, sent, failed, skipped, cancelled,
	batch_size, concurrency, max_retries, failure_reason,
	created_at, started_at, completed_at, last_heartbeat_at
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// CreateJob persists a job and its full recipient list in one transaction.
// Nothing is enqueued yet; the caller publishes the job message only after
// this returns.
func (s *Storage) CreateJob(ctx context.Context, job *model.Job, recipients []model.Recipient) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	jobQuery := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (
			:job_id, :owner_id, :template_name, :template_language, :template_category,
			:variables, :state, :total, :sent, :failed, :skipped, :cancelled,
			:batch_size, :concurrency, :max_retries, :failure_reason,
			:created_at, :started_at, :completed_at, :last_heartbeat_at
		)
	`
	if _, err := tx.NamedExecContext(ctx, jobQuery, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	recipientQuery := `
		INSERT INTO job_recipients (job_id, recipient_index, phone, variables)
		VALUES (:job_id, :recipient_index, :phone, :variables)
	`
	for start := 0; start < len(recipients); start += recipientChunkSize {
		end := min(start+recipientChunkSize, len(recipients))
		if _, err := tx.NamedExecContext(ctx, recipientQuery, recipients[start:end]); err != nil {
			return fmt.Errorf("failed to create recipients: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	OwnerID  string
	State    string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs ordered newest first; the extra
// row tells the handler whether a next cursor exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// CancelJob moves a PENDING or RUNNING job to CANCELLED. The running
// engine observes the new state on its next check; recipients without an
// outcome yet are settled by the worker, not here.
func (s *Storage) CancelJob(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET state = $2
		WHERE job_id = $1 AND state IN ($3, $4)
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStateCancelled, domain.JobStatePending, domain.JobStateRunning)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read cancel result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// distinguish a missing job from one already terminal
	var state string
	err = s.db.GetContext(ctx, &state, `SELECT state FROM jobs WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check job state: %w", err)
	}

	return domain.ErrJobTerminal
}

// UpdateDeliveryStatus records a provider webhook status against the
// matching outcome. delivery_status is the only outcome column that may
// change after creation.
func (s *Storage) UpdateDeliveryStatus(ctx context.Context, providerMessageID, status string) (string, int, error) {
	query := `
		UPDATE message_outcomes
		SET delivery_status = $2
		WHERE provider_message_id = $1
		RETURNING job_id, recipient_index
	`

	var (
		jobID          string
		recipientIndex int
	)
	err := s.db.QueryRowxContext(ctx, query, providerMessageID, status).Scan(&jobID, &recipientIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, domain.ErrJobNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to update delivery status: %w", err)
	}

	return jobID, recipientIndex, nil
}
