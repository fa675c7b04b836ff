package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/minatran/wabulk-be/internal/engine/domain"
	"github.com/minatran/wabulk-be/internal/whatsapp"
)

// processRecipient runs the full per-recipient flow: variable resolution,
// duplicate suppression, dispatch with retry, outcome persistence, progress
// event. Recipient-level failures never escape this function; systemic
// errors flip the run's abort flag instead.
func (e *Engine) processRecipient(ctx context.Context, job *domain.Job, r domain.Recipient, creds whatsapp.Credentials, maxRetries int, state *runState) {
	vars := job.EffectiveVariables(r)

	phone, err := whatsapp.NormalizePhone(r.Phone)
	if err != nil {
		e.recordOutcome(ctx, job, state, domain.Outcome{
			JobID:          job.ID,
			RecipientIndex: r.Index,
			Phone:          r.Phone,
			Status:         domain.OutcomeFailed,
			ErrorKind:      domain.ErrorKindPermanent,
			ErrorDetail:    err.Error(),
		})
		return
	}

	res, err := e.cache.CheckAndRecord(ctx, job.OwnerID, job.Template.Name, phone, vars)
	if err != nil {
		// a broken cache must not block delivery; proceed unsuppressed
		e.logger.Warn("Duplicate cache unavailable, sending without suppression",
			slog.String("job_id", job.ID),
			slog.Int("recipient_index", r.Index),
			slog.Any("error", err),
		)
	} else if res.Duplicate {
		e.logger.Debug("Duplicate send suppressed",
			slog.String("job_id", job.ID),
			slog.Int("recipient_index", r.Index),
			slog.String("fingerprint", res.Fingerprint),
		)
		e.recordOutcome(ctx, job, state, domain.Outcome{
			JobID:          job.ID,
			RecipientIndex: r.Index,
			Phone:          phone,
			Status:         domain.OutcomeSkipped,
		})
		return
	}

	messageID, err := e.dispatchWithRetry(ctx, job, creds, phone, vars, maxRetries)
	switch {
	case err == nil:
		e.recordOutcome(ctx, job, state, domain.Outcome{
			JobID:             job.ID,
			RecipientIndex:    r.Index,
			Phone:             phone,
			Status:            domain.OutcomeSuccess,
			ProviderMessageID: messageID,
		})
	case domain.IsSystemic(err):
		// no outcome here: the abort path marks this recipient cancelled
		state.abort(err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// run interrupted mid-retry; the recipient settles on the next claim
	default:
		e.recordOutcome(ctx, job, state, domain.Outcome{
			JobID:          job.ID,
			RecipientIndex: r.Index,
			Phone:          phone,
			Status:         domain.OutcomeFailed,
			ErrorKind:      domain.ClassifyErrorKind(err),
			ErrorDetail:    err.Error(),
		})
	}
}

// dispatchWithRetry sends one message, retrying retryable failures with
// exponentially growing, capped delays. A cancelled context interrupts the
// wait immediately.
func (e *Engine) dispatchWithRetry(ctx context.Context, job *domain.Job, creds whatsapp.Credentials, phone string, vars map[string]string, maxRetries int) (string, error) {
	input := whatsapp.SendTemplateInput{
		Credentials: creds,
		To:          phone,
		Template:    job.Template,
		Variables:   vars,
	}

	delay := e.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", err
		}

		messageID, err := e.dispatcher.SendTemplate(ctx, input)
		if err == nil {
			return messageID, nil
		}
		lastErr = err

		if domain.IsSystemic(err) || !domain.IsRetryable(err) {
			return "", err
		}
		if attempt == maxRetries {
			break
		}

		e.logger.Debug("Dispatch retry scheduled",
			slog.String("job_id", job.ID),
			slog.String("phone", phone),
			slog.Int("attempt", attempt+2),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return "", ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > e.cfg.RetryMaxDelay {
			delay = e.cfg.RetryMaxDelay
		}
	}

	return "", lastErr
}

// recordOutcome persists the outcome, updates counts, and only then emits
// the progress event, so observed progress never runs ahead of durable
// state.
func (e *Engine) recordOutcome(ctx context.Context, job *domain.Job, state *runState, outcome domain.Outcome) {
	outcome.CreatedAt = time.Now().UTC()

	if err := e.store.AppendOutcome(ctx, outcome); err != nil {
		e.logger.Error("Failed to persist recipient outcome",
			slog.String("job_id", job.ID),
			slog.Int("recipient_index", outcome.RecipientIndex),
			slog.Any("error", err),
		)
		return
	}

	// the mutex is held across the counts write so concurrent dispatches
	// cannot land an older snapshot on top of a newer one
	state.mu.Lock()
	switch outcome.Status {
	case domain.OutcomeSuccess:
		state.counts.Sent++
	case domain.OutcomeFailed:
		state.counts.Failed++
	case domain.OutcomeSkipped:
		state.counts.Skipped++
	case domain.OutcomeCancelled:
		state.counts.Cancelled++
	}
	if err := e.store.UpdateJobCounts(ctx, job.ID, state.counts); err != nil {
		e.logger.Error("Failed to update job counts",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
	state.mu.Unlock()

	e.publish(ctx, domain.NewMessageResultEvent(outcome))
}
