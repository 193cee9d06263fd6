package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/queue"
)

// QueueHandler groups the queue administration handlers. Every operation
// addresses one of the two fixed channels; an unknown channel name is a
// client error, not a lookup miss.
type QueueHandler struct {
	queue  QueueAdmin
	logger *zap.Logger
}

func NewQueueHandler(q QueueAdmin, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{
		queue:  q,
		logger: logger.Named("queue_handler"),
	}
}

// Stats handles GET /api/v1/admin/queues.
// Returns the counter set for both channels keyed by channel name.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]*queue.Stats, 2)
	for _, channel := range []string{queue.ChannelBackups, queue.ChannelSystem} {
		stats, err := h.queue.Stats(channel)
		if err != nil {
			h.logger.Error("failed to read queue stats", zap.String("channel", channel), zap.Error(err))
			ErrInternal(w)
			return
		}
		out[channel] = stats
	}
	Ok(w, out)
}

// ChannelStats handles GET /api/v1/admin/queues/{channel}.
func (h *QueueHandler) ChannelStats(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(w, r)
	if !ok {
		return
	}
	stats, err := h.queue.Stats(channel)
	if err != nil {
		h.logger.Error("failed to read queue stats", zap.String("channel", channel), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, stats)
}

// listTasksResponse wraps one page of queue entries.
type listTasksResponse struct {
	Items []queue.TaskInfo `json:"items"`
	Page  int              `json:"page"`
}

// ListTasks handles GET /api/v1/admin/queues/{channel}/tasks.
// Query parameters: state (waiting|active|completed|failed|delayed,
// default waiting), page (1-based), page_size.
func (h *QueueHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(w, r)
	if !ok {
		return
	}

	stateParam := r.URL.Query().Get("state")
	if stateParam == "" {
		stateParam = string(queue.StateWaiting)
	}
	state, err := queue.ParseState(stateParam)
	if err != nil {
		ErrBadRequest(w, "invalid state: must be one of waiting, active, completed, failed, delayed")
		return
	}

	page := queryInt(r, "page", 1)
	size := queryInt(r, "page_size", 0)

	tasks, err := h.queue.ListByState(channel, state, page, size)
	if err != nil {
		h.logger.Error("failed to list queue entries",
			zap.String("channel", channel), zap.String("state", string(state)), zap.Error(err))
		ErrInternal(w)
		return
	}
	if tasks == nil {
		tasks = []queue.TaskInfo{}
	}
	Ok(w, listTasksResponse{Items: tasks, Page: page})
}

// Pause handles POST /api/v1/admin/queues/{channel}/pause.
// Active entries keep running; only new pickups stop.
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(w, r)
	if !ok {
		return
	}
	if err := h.queue.Pause(channel); err != nil {
		h.logger.Error("failed to pause channel", zap.String("channel", channel), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"channel": channel, "paused": true})
}

// Resume handles POST /api/v1/admin/queues/{channel}/resume.
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(w, r)
	if !ok {
		return
	}
	if err := h.queue.Resume(channel); err != nil {
		h.logger.Error("failed to resume channel", zap.String("channel", channel), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"channel": channel, "paused": false})
}

// Drain handles POST /api/v1/admin/queues/{channel}/drain.
// Removes waiting entries only; active entries continue.
func (h *QueueHandler) Drain(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(w, r)
	if !ok {
		return
	}
	removed, err := h.queue.Drain(channel)
	if err != nil {
		h.logger.Error("failed to drain channel", zap.String("channel", channel), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"channel": channel, "removed": removed})
}

// Clean handles POST /api/v1/admin/queues/{channel}/clean.
// Query parameters: state (completed|failed) and older_than (a Go
// duration; absent means everything in that state).
func (h *QueueHandler) Clean(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(w, r)
	if !ok {
		return
	}

	state, err := queue.ParseState(r.URL.Query().Get("state"))
	if err != nil || (state != queue.StateCompleted && state != queue.StateFailed) {
		ErrBadRequest(w, "invalid state: clean supports completed and failed")
		return
	}

	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		olderThan, err = time.ParseDuration(raw)
		if err != nil {
			ErrBadRequest(w, "invalid older_than: must be a duration like 24h")
			return
		}
	}

	removed, err := h.queue.Clean(channel, state, olderThan)
	if err != nil {
		h.logger.Error("failed to clean channel",
			zap.String("channel", channel), zap.String("state", string(state)), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"channel": channel, "removed": removed})
}

// RetryFailed handles POST /api/v1/admin/queues/{channel}/retry-failed.
func (h *QueueHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(w, r)
	if !ok {
		return
	}
	count, err := h.queue.RetryFailed(channel)
	if err != nil {
		h.logger.Error("failed to retry failed entries", zap.String("channel", channel), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"channel": channel, "retried": count})
}

// RetryTask handles POST /api/v1/admin/queues/{channel}/tasks/{id}/retry.
func (h *QueueHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.queue.RetryTask(channel, id); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to retry entry",
			zap.String("channel", channel), zap.String("task_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// RemoveTask handles DELETE /api/v1/admin/queues/{channel}/tasks/{id}.
func (h *QueueHandler) RemoveTask(w http.ResponseWriter, r *http.Request) {
	channel, ok := parseChannel(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.queue.RemoveTask(channel, id); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to remove entry",
			zap.String("channel", channel), zap.String("task_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// ListRepeatable handles GET /api/v1/admin/repeatable.
func (h *QueueHandler) ListRepeatable(w http.ResponseWriter, _ *http.Request) {
	Ok(w, h.queue.ListRepeatable())
}

// Workers handles GET /api/v1/admin/workers.
func (h *QueueHandler) Workers(w http.ResponseWriter, _ *http.Request) {
	workers, err := h.queue.Workers()
	if err != nil {
		h.logger.Error("failed to list workers", zap.Error(err))
		ErrInternal(w)
		return
	}
	if workers == nil {
		workers = []queue.WorkerInfo{}
	}
	Ok(w, workers)
}

// parseChannel validates the {channel} route parameter against the two
// fixed channels.
func parseChannel(w http.ResponseWriter, r *http.Request) (string, bool) {
	channel := chi.URLParam(r, "channel")
	if channel != queue.ChannelBackups && channel != queue.ChannelSystem {
		ErrBadRequest(w, "invalid channel: must be "+queue.ChannelBackups+" or "+queue.ChannelSystem)
		return "", false
	}
	return channel, true
}

// queryInt reads a positive integer query parameter, falling back to
// def when absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
