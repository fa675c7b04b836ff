// Package worker consumes bulk-job messages from RabbitMQ and drives the
// dispatch engine: claim the job in Postgres, run it to a terminal state,
// then acknowledge the message.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/minatran/wabulk-be/internal/engine"
	"github.com/minatran/wabulk-be/internal/engine/storage"
	"github.com/minatran/wabulk-be/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Storage           *storage.Storage
	Engine            *engine.Engine
	JobsConsumer      *rabbitmq.Client
	Concurrency       int
	MaxJobs           int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	PrefetchCount     int
}

// jobMessage pairs a claimed-to-be job id with the delivery it arrived on
// so the processing goroutine can ACK or NACK it.
type jobMessage struct {
	jobID    string
	delivery amqp.Delivery
}

// Worker represents the bulk-job worker service
type Worker struct {
	logger            *slog.Logger
	storage           *storage.Storage
	engine            *engine.Engine
	jobsConsumer      *rabbitmq.Client
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	prefetchCount     int
	workerID          string
	jobsChan          chan *jobMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:            cfg.Logger,
		storage:           cfg.Storage,
		engine:            cfg.Engine,
		jobsConsumer:      cfg.JobsConsumer,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		prefetchCount:     cfg.PrefetchCount,
		workerID:          fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		jobsChan:          make(chan *jobMessage, cfg.MaxJobs),
		stopChan:          make(chan struct{}),
	}
}

// Start begins consuming and processing bulk jobs. It blocks until the
// context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.jobsConsumer.Consume(w.workerID, w.prefetchCount)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker, waiting for in-flight jobs to settle
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...", slog.String("worker_id", w.workerID))
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
}
