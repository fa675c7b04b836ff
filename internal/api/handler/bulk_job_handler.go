package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minatran/wabulk-be/internal/api/dto"
	"github.com/minatran/wabulk-be/internal/api/model"
	"github.com/minatran/wabulk-be/internal/api/storage"
	"github.com/minatran/wabulk-be/internal/engine/domain"
)

// SubmitBulkJob handles POST /api/v1/bulk-jobs
// Validates the submission, persists the job plus its recipient list, then
// enqueues the job message for the worker. Nothing is enqueued for a
// rejected submission.
func (h *BulkJobHandler) SubmitBulkJob(c *gin.Context) {
	var req dto.SubmitBulkJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if violations := req.Validate(h.maxRecipients); len(violations) > 0 {
		h.logger.Info("Bulk job submission rejected",
			slog.String("owner_id", req.OwnerID),
			slog.Int("violations", len(violations)),
		)
		c.JSON(http.StatusBadRequest, dto.ValidationErrorResponse{
			Error:      "validation failed",
			Violations: violations,
		})
		return
	}

	variables, err := json.Marshal(req.Variables)
	if err != nil {
		h.logger.Error("Failed to encode job variables", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	job := model.Job{
		JobID:            uuid.New().String(),
		OwnerID:          req.OwnerID,
		TemplateName:     req.Template.Name,
		TemplateLanguage: req.Template.Language,
		TemplateCategory: req.Template.Category,
		Variables:        variables,
		State:            domain.JobStatePending,
		Total:            len(req.Recipients),
		CreatedAt:        time.Now().UTC(),
	}
	if req.Options != nil {
		job.BatchSize = req.Options.BatchSize
		job.Concurrency = req.Options.Concurrency
		job.MaxRetries = req.Options.MaxRetries
	}

	recipients := make([]model.Recipient, len(req.Recipients))
	for i, r := range req.Recipients {
		vars, err := json.Marshal(r.Variables)
		if err != nil {
			h.logger.Error("Failed to encode recipient variables", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create job",
			})
			return
		}
		recipients[i] = model.Recipient{
			JobID:          job.JobID,
			RecipientIndex: i,
			Phone:          r.Phone,
			Variables:      vars,
		}
	}

	if err := h.storage.CreateJob(c.Request.Context(), &job, recipients); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	message, _ := json.Marshal(gin.H{"job_id": job.JobID})
	if err := h.jobsPublisher.PublishWithRetry(c.Request.Context(), message, "application/json"); err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Bulk job submitted",
		slog.String("job_id", job.JobID),
		slog.String("owner_id", job.OwnerID),
		slog.String("template", job.TemplateName),
		slog.Int("recipients", job.Total),
	)

	c.JSON(http.StatusCreated, dto.SubmitBulkJobResponse{
		JobID:     job.JobID,
		State:     job.State,
		Total:     job.Total,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	})
}

// GetBulkJob handles GET /api/v1/bulk-jobs/:job_id
// Returns the job with its current outcome counts
func (h *BulkJobHandler) GetBulkJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err == domain.ErrJobNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toBulkJobDTO(job))
}

// ListBulkJobs handles GET /api/v1/bulk-jobs
// Lists jobs newest first with keyset pagination
func (h *BulkJobHandler) ListBulkJobs(c *gin.Context) {
	var req dto.ListBulkJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		OwnerID:  req.OwnerID,
		State:    req.State,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.BulkJobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toBulkJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListBulkJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelBulkJob handles POST /api/v1/bulk-jobs/:job_id/cancel
// Moves a PENDING or RUNNING job to CANCELLED. The worker settles any
// recipients still without an outcome.
func (h *BulkJobHandler) CancelBulkJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.storage.CancelJob(c.Request.Context(), jobID)
	switch err {
	case nil:
	case domain.ErrJobNotFound:
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	case domain.ErrJobTerminal:
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job is already in a terminal state",
		})
		return
	default:
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	h.logger.Info("Bulk job cancelled", slog.String("job_id", jobID))

	c.JSON(http.StatusOK, dto.CancelBulkJobResponse{
		JobID: jobID,
		State: domain.JobStateCancelled,
	})
}

func toBulkJobDTO(job *model.Job) dto.BulkJobDTO {
	var variables map[string]string
	if len(job.Variables) > 0 {
		_ = json.Unmarshal(job.Variables, &variables)
	}

	out := dto.BulkJobDTO{
		JobID:            job.JobID,
		OwnerID:          job.OwnerID,
		TemplateName:     job.TemplateName,
		TemplateLanguage: job.TemplateLanguage,
		TemplateCategory: job.TemplateCategory,
		Variables:        variables,
		State:            job.State,
		Counts: dto.CountsDTO{
			Total:     job.Total,
			Sent:      job.Sent,
			Failed:    job.Failed,
			Skipped:   job.Skipped,
			Cancelled: job.Cancelled,
			Pending:   job.Pending(),
		},
		FailureReason: job.FailureReason.String,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
	}
	if job.StartedAt.Valid {
		out.StartedAt = job.StartedAt.Time.Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		out.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}

	return out
}
