package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/repositories"
	"github.com/heijmerikx/stashd-sub001/internal/secrets"
	"github.com/heijmerikx/stashd-sub001/internal/source"
)

// JobTrigger enqueues an immediate one-off run for a job.
type JobTrigger interface {
	TriggerNow(ctx context.Context, jobID uuid.UUID) (string, error)
}

// JobHandler exposes the read-only admin view of jobs plus the manual
// trigger. Job CRUD lives in the embedding server, not here.
type JobHandler struct {
	jobs    repositories.JobRepository
	trigger JobTrigger
	logger  *zap.Logger
}

func NewJobHandler(jobs repositories.JobRepository, trigger JobTrigger, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:    jobs,
		trigger: trigger,
		logger:  logger.Named("job_handler"),
	}
}

// jobResponse renders a job with its sensitive config fields masked.
// Envelope tokens never leave the server in readable form.
type jobResponse struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	Schedule      string         `json:"schedule,omitempty"`
	Enabled       bool           `json:"enabled"`
	RetryCount    int            `json:"retry_count"`
	RetentionDays int            `json:"retention_days"`
	Config        map[string]any `json:"config"`
	CreatedAt     time.Time      `json:"created_at"`
}

// GetByID handles GET /api/v1/admin/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load job", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	cfg, err := job.ConfigMap()
	if err != nil {
		h.logger.Error("job has invalid config", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	secrets.MaskFields(cfg, source.SensitiveFields(job.Type)...)

	Ok(w, jobResponse{
		ID:            job.ID.String(),
		Name:          job.Name,
		Type:          job.Type,
		Schedule:      job.Schedule,
		Enabled:       job.Enabled,
		RetryCount:    job.RetryCount,
		RetentionDays: job.RetentionDays,
		Config:        cfg,
		CreatedAt:     job.CreatedAt,
	})
}

// Trigger handles POST /api/v1/admin/jobs/{id}/trigger.
// Enqueues an immediate run regardless of the job's enabled flag.
func (h *JobHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	taskID, err := h.trigger.TriggerNow(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to trigger job", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, envelope{"job_id": id.String(), "task_id": taskID})
}
