package handler

import (
	"log/slog"

	"github.com/minatran/wabulk-be/internal/api/storage"
	"github.com/minatran/wabulk-be/internal/hub"
	"github.com/minatran/wabulk-be/shared/postgresql"
	"github.com/minatran/wabulk-be/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger             *slog.Logger
	DBClient           *postgresql.Client
	JobsPublisher      *rabbitmq.Client
	Hub                *hub.Hub
	MaxRecipients      int
	WebhookVerifyToken string
}

// BulkJobHandler handles bulk-job HTTP requests
type BulkJobHandler struct {
	logger        *slog.Logger
	storage       *storage.Storage
	jobsPublisher *rabbitmq.Client
	hub           *hub.Hub
	maxRecipients int
}

// NewBulkJobHandler creates a new BulkJobHandler instance
func NewBulkJobHandler(deps *Dependencies) *BulkJobHandler {
	return &BulkJobHandler{
		logger:        deps.Logger,
		storage:       storage.NewStorage(deps.DBClient),
		jobsPublisher: deps.JobsPublisher,
		hub:           deps.Hub,
		maxRecipients: deps.MaxRecipients,
	}
}

// WebhookHandler handles provider webhook callbacks
type WebhookHandler struct {
	logger      *slog.Logger
	storage     *storage.Storage
	hub         *hub.Hub
	verifyToken string
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:      deps.Logger,
		storage:     storage.NewStorage(deps.DBClient),
		hub:         deps.Hub,
		verifyToken: deps.WebhookVerifyToken,
	}
}
