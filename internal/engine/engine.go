// Package engine runs bulk template-message jobs: it partitions a job's
// recipients into batches, dispatches within a batch under a concurrency
// limit, records per-recipient outcomes, and advances the job state machine
// PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED}.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/minatran/wabulk-be/internal/dedupe"
	"github.com/minatran/wabulk-be/internal/engine/domain"
	"github.com/minatran/wabulk-be/internal/whatsapp"
)

// Defaults applied when neither the job nor the config sets a value
const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 5
	DefaultMaxRetries  = 3
	DefaultBatchPause  = time.Second
	DefaultRetryBase   = 500 * time.Millisecond
	DefaultRetryCap    = 8 * time.Second
	DefaultRatePerSec  = 25
)

// Dispatcher is the provider boundary: one template message out, one
// provider message id back.
type Dispatcher interface {
	SendTemplate(ctx context.Context, in whatsapp.SendTemplateInput) (string, error)
}

// Store is the persistence gateway consumed while a job runs. Every write
// completes before the matching progress event is published.
type Store interface {
	GetJobState(ctx context.Context, jobID string) (string, error)
	AppendOutcome(ctx context.Context, outcome domain.Outcome) error
	UpdateJobCounts(ctx context.Context, jobID string, counts domain.Counts) error
	FinalizeJob(ctx context.Context, jobID, state, failureReason string) error
	MarkRemainingCancelled(ctx context.Context, jobID string) (int, error)
}

// Publisher pushes progress events toward live observers. Delivery is
// best-effort; publish failures never fail the job.
type Publisher interface {
	Publish(ctx context.Context, event domain.ProgressEvent) error
}

// CredentialProvider resolves the owner's WhatsApp Business credentials.
// Sourced from the business-info collaborator; a deployment with a single
// account uses StaticCredentials.
type CredentialProvider interface {
	Credentials(ctx context.Context, ownerID string) (whatsapp.Credentials, error)
}

// StaticCredentials is a CredentialProvider returning one fixed account.
type StaticCredentials whatsapp.Credentials

// Credentials implements CredentialProvider.
func (s StaticCredentials) Credentials(context.Context, string) (whatsapp.Credentials, error) {
	return whatsapp.Credentials(s), nil
}

// CreditChecker is the billing collaborator. A domain.ErrCreditsExhausted
// return aborts the remaining job.
type CreditChecker interface {
	Check(ctx context.Context, ownerID string, pending int) error
}

// Config holds engine pacing and retry configuration
type Config struct {
	BatchSize      int
	Concurrency    int
	MaxRetries     int
	BatchPause     time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RatePerSecond  int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.Concurrency <= 0 {
		out.Concurrency = DefaultConcurrency
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.BatchPause < 0 {
		out.BatchPause = DefaultBatchPause
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = DefaultRetryBase
	}
	if out.RetryMaxDelay <= 0 {
		out.RetryMaxDelay = DefaultRetryCap
	}
	if out.RatePerSecond <= 0 {
		out.RatePerSecond = DefaultRatePerSec
	}
	return out
}

// Engine executes one bulk job at a time per Run call. Multiple Run calls
// for different jobs may proceed concurrently; the engine holds no global
// state beyond the shared rate limiter.
type Engine struct {
	cfg         Config
	dispatcher  Dispatcher
	cache       dedupe.Cache
	store       Store
	publisher   Publisher
	credentials CredentialProvider
	credits     CreditChecker // optional
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// New creates an Engine. credits may be nil when no billing collaborator
// is wired in.
func New(cfg Config, dispatcher Dispatcher, cache dedupe.Cache, store Store, publisher Publisher, credentials CredentialProvider, credits CreditChecker, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		dispatcher:  dispatcher,
		cache:       cache,
		store:       store,
		publisher:   publisher,
		credentials: credentials,
		credits:     credits,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency),
		logger:      logger,
	}
}

// run-scoped mutable state shared between the batch loop and dispatch
// goroutines
type runState struct {
	mu     sync.Mutex
	counts domain.Counts

	// abortReason is set once on the first systemic error; dispatches
	// check it before starting
	aborted     atomic.Bool
	abortReason error
}

func (rs *runState) abort(err error) {
	if rs.aborted.CompareAndSwap(false, true) {
		rs.mu.Lock()
		rs.abortReason = err
		rs.mu.Unlock()
	}
}

// Run executes a claimed RUNNING job to a terminal state. Individual
// dispatch failures never abort the job; only cancellation and systemic
// errors (revoked credentials, exhausted credits) do.
func (e *Engine) Run(ctx context.Context, job *domain.Job, recipients []domain.Recipient) error {
	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	concurrency := job.Concurrency
	if concurrency <= 0 {
		concurrency = e.cfg.Concurrency
	}
	maxRetries := job.MaxRetries
	if maxRetries < 0 {
		maxRetries = e.cfg.MaxRetries
	}

	// a reclaimed job resumes from its settled tally; recipients holds
	// only the ones without an outcome yet
	counts := job.Counts
	if counts.Total <= 0 {
		counts.Total = len(recipients)
	}
	state := &runState{counts: counts}

	creds, err := e.credentials.Credentials(ctx, job.OwnerID)
	if err != nil {
		return e.failJob(ctx, job, state, fmt.Errorf("credentials unavailable: %w", err))
	}

	totalBatches := (len(recipients) + batchSize - 1) / batchSize

	e.logger.Info("Bulk job started",
		slog.String("job_id", job.ID),
		slog.String("template", job.Template.Name),
		slog.Int("recipients", len(recipients)),
		slog.Int("batches", totalBatches),
		slog.Int("batch_size", batchSize),
		slog.Int("concurrency", concurrency),
	)

	for batchNum := 0; batchNum < totalBatches; batchNum++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("job run interrupted: %w", err)
		}

		cancelled, err := e.jobCancelled(ctx, job.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return e.cancelJob(ctx, job, state)
		}

		if e.credits != nil {
			if err := e.credits.Check(ctx, job.OwnerID, state.counts.Pending()); err != nil {
				return e.failJob(ctx, job, state, err)
			}
		}

		start := batchNum * batchSize
		end := min(start+batchSize, len(recipients))
		e.runBatch(ctx, job, recipients[start:end], creds, concurrency, maxRetries, state)

		if state.aborted.Load() {
			state.mu.Lock()
			reason := state.abortReason
			state.mu.Unlock()
			return e.failJob(ctx, job, state, reason)
		}

		state.mu.Lock()
		counts := state.counts
		state.mu.Unlock()
		e.publish(ctx, domain.NewBatchProgressEvent(job.ID, batchNum+1, totalBatches, counts))

		// deliberate backpressure against the provider's rate limits
		if batchNum+1 < totalBatches && e.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("job run interrupted: %w", ctx.Err())
			case <-time.After(e.cfg.BatchPause):
			}
		}
	}

	return e.completeJob(ctx, job, state)
}

// runBatch dispatches one batch under the concurrency limit and waits for
// the whole wave to finish.
func (e *Engine) runBatch(ctx context.Context, job *domain.Job, batch []domain.Recipient, creds whatsapp.Credentials, concurrency, maxRetries int, state *runState) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	for _, recipient := range batch {
		// a systemic error stops launching new dispatches; the in-flight
		// wave is allowed to finish
		if state.aborted.Load() || ctx.Err() != nil {
			break
		}

		cancelled, err := e.jobCancelled(ctx, job.ID)
		if err != nil {
			e.logger.Warn("Failed to check job state, continuing batch",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		} else if cancelled {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(r domain.Recipient) {
			defer wg.Done()
			defer func() { <-sem }()
			e.processRecipient(ctx, job, r, creds, maxRetries, state)
		}(recipient)
	}

	wg.Wait()
}

// jobCancelled reports whether the job left the RUNNING state.
func (e *Engine) jobCancelled(ctx context.Context, jobID string) (bool, error) {
	current, err := e.store.GetJobState(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to check job state: %w", err)
	}
	return current == domain.JobStateCancelled, nil
}

// completeJob finalizes a fully-processed job. Individual failures do not
// matter here; job-level failure is reserved for systemic errors.
func (e *Engine) completeJob(ctx context.Context, job *domain.Job, state *runState) error {
	// recipients skipped by a cancellation observed inside the final batch
	remaining, err := e.store.MarkRemainingCancelled(ctx, job.ID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	state.counts.Cancelled += remaining
	counts := state.counts
	state.mu.Unlock()

	// final authoritative write of the full tally
	if err := e.store.UpdateJobCounts(ctx, job.ID, counts); err != nil {
		return err
	}

	finalState := domain.JobStateCompleted
	if err := e.store.FinalizeJob(ctx, job.ID, finalState, ""); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			// cancelled between the last state check and now
			finalState = domain.JobStateCancelled
		} else {
			return err
		}
	}

	e.publish(ctx, domain.NewJobCompletedEvent(job.ID, finalState, counts))

	e.logger.Info("Bulk job completed",
		slog.String("job_id", job.ID),
		slog.Int("sent", counts.Sent),
		slog.Int("failed", counts.Failed),
		slog.Int("skipped", counts.Skipped),
		slog.Int("cancelled", counts.Cancelled),
	)

	return nil
}

// cancelJob settles a job whose state moved to CANCELLED: every recipient
// without an outcome yet gets a cancelled one, then completed_at is set.
func (e *Engine) cancelJob(ctx context.Context, job *domain.Job, state *runState) error {
	remaining, err := e.store.MarkRemainingCancelled(ctx, job.ID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	state.counts.Cancelled += remaining
	counts := state.counts
	state.mu.Unlock()

	if err := e.store.UpdateJobCounts(ctx, job.ID, counts); err != nil {
		return err
	}
	if err := e.store.FinalizeJob(ctx, job.ID, domain.JobStateCancelled, ""); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
		return err
	}

	e.publish(ctx, domain.NewJobCompletedEvent(job.ID, domain.JobStateCancelled, counts))

	e.logger.Info("Bulk job cancelled",
		slog.String("job_id", job.ID),
		slog.Int("cancelled", counts.Cancelled),
	)

	return nil
}

// failJob aborts the remaining job after a systemic error.
func (e *Engine) failJob(ctx context.Context, job *domain.Job, state *runState, reason error) error {
	remaining, err := e.store.MarkRemainingCancelled(ctx, job.ID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	state.counts.Cancelled += remaining
	counts := state.counts
	state.mu.Unlock()

	reasonText := ""
	if reason != nil {
		reasonText = reason.Error()
	}

	if err := e.store.UpdateJobCounts(ctx, job.ID, counts); err != nil {
		return err
	}
	if err := e.store.FinalizeJob(ctx, job.ID, domain.JobStateFailed, reasonText); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
		return err
	}

	e.publish(ctx, domain.NewJobFailedEvent(job.ID, reasonText, counts))

	e.logger.Error("Bulk job failed",
		slog.String("job_id", job.ID),
		slog.String("reason", reasonText),
		slog.Int("cancelled", counts.Cancelled),
	)

	return nil
}

// publish emits a progress event; failures are logged, never propagated.
func (e *Engine) publish(ctx context.Context, event domain.ProgressEvent) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish progress event",
			slog.String("job_id", event.JobID),
			slog.String("type", event.Type),
			slog.Any("error", err),
		)
	}
}
