package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/repositories"
)

// HistoryHandler serves read-only run history views. All responses are
// composed from outcome rows by the repository layer; nothing here
// aggregates.
type HistoryHandler struct {
	runs   repositories.RunRepository
	logger *zap.Logger
}

func NewHistoryHandler(runs repositories.RunRepository, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{
		runs:   runs,
		logger: logger.Named("history_handler"),
	}
}

// Recent handles GET /api/v1/history/recent.
// Returns the newest outcome rows across all jobs. Default limit 20,
// capped at 100.
func (h *HistoryHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}

	rows, err := h.runs.RecentHistory(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to load recent history", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"items": rows})
}

// listRunsResponse wraps a page of aggregated runs for one job.
type listRunsResponse struct {
	Items []repositories.RunSummary `json:"items"`
	Total int64                     `json:"total"`
	Page  int                       `json:"page"`
}

// RunsForJob handles GET /api/v1/jobs/{id}/runs.
// Returns aggregated runs (one entry per run_id), newest first.
func (h *HistoryHandler) RunsForJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}

	runs, total, err := h.runs.RunsForJob(r.Context(), id, page, limit)
	if err != nil {
		h.logger.Error("failed to load runs", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if runs == nil {
		runs = []repositories.RunSummary{}
	}
	Ok(w, listRunsResponse{Items: runs, Total: total, Page: page})
}

// JobStats handles GET /api/v1/jobs/stats?ids=a,b,c.
// Returns the per-job history rollup for each requested id. Jobs with
// no history are simply absent from the result.
func (h *HistoryHandler) JobStats(w http.ResponseWriter, r *http.Request) {
	ids, ok := parseIDList(w, r)
	if !ok {
		return
	}

	stats, err := h.runs.StatsBatch(r.Context(), ids)
	if err != nil {
		h.logger.Error("failed to compute job stats", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, stats)
}

// RecentStatuses handles GET /api/v1/jobs/statuses?ids=a,b,c&k=5.
// Returns the last k aggregated runs per job, for sparkline-style views.
func (h *HistoryHandler) RecentStatuses(w http.ResponseWriter, r *http.Request) {
	ids, ok := parseIDList(w, r)
	if !ok {
		return
	}

	k := queryInt(r, "k", 5)
	if k > 20 {
		k = 20
	}

	statuses, err := h.runs.RecentStatusesBatch(r.Context(), ids, k)
	if err != nil {
		h.logger.Error("failed to load recent statuses", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, statuses)
}

// parseUUID reads and validates a UUID route parameter. On failure it
// writes a 400 and returns false so callers can early-return.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// parseIDList reads the comma-separated ids query parameter.
func parseIDList(w http.ResponseWriter, r *http.Request) ([]uuid.UUID, bool) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		ErrBadRequest(w, "ids is required: comma-separated job UUIDs")
		return nil, false
	}

	parts := strings.Split(raw, ",")
	ids := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			ErrBadRequest(w, "invalid ids: "+part+" is not a valid UUID")
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}
