package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// processJob runs a single bulk job end to end: claim it, load its
// recipients, and hand it to the engine under a job timeout with a
// heartbeat running alongside.
func (w *Worker) processJob(ctx context.Context, msg *jobMessage) error {
	job, err := w.storage.ClaimJob(ctx, msg.jobID)
	if err != nil {
		w.logger.Warn("Failed to claim job",
			slog.String("job_id", msg.jobID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to claim job: %w", err)
	}

	recipients, err := w.storage.LoadPendingRecipients(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load recipients: %w", err)
	}

	// seed the tally from the outcomes actually on disk; on a reclaimed
	// job this is what the interrupted run managed to settle
	settled, err := w.storage.CountOutcomes(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to count settled outcomes: %w", err)
	}
	settled.Total = job.Counts.Total
	job.Counts = settled

	if len(recipients) != job.Counts.Pending() {
		w.logger.Warn("Recipient count differs from job total",
			slog.String("job_id", job.ID),
			slog.Int("pending", len(recipients)),
			slog.Int("total", job.Counts.Total),
		)
	}
	if len(recipients) < job.Counts.Total {
		w.logger.Info("Resuming interrupted job",
			slog.String("job_id", job.ID),
			slog.Int("settled", job.Counts.Total-len(recipients)),
			slog.Int("pending", len(recipients)),
		)
	}

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, heartbeatDone)
	defer close(heartbeatDone)

	if err := w.engine.Run(jobCtx, job, recipients); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("job run interrupted: %w", err)
		}
		return fmt.Errorf("job run failed: %w", err)
	}

	return nil
}

// sendJobHeartbeat periodically stamps last_heartbeat_at while the job
// runs, as a liveness signal for stalled-job detection.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.storage.UpdateHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
