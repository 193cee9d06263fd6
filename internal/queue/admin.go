package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// State is the queue-facing view of an entry's lifecycle. The broker's
// scheduled and retry sets both surface as delayed; archived entries
// surface as failed.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// ParseState validates a state label from the admin surface.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed:
		return State(s), nil
	}
	return "", fmt.Errorf("queue: unknown state %q", s)
}

func stateLabel(s asynq.TaskState) string {
	switch s {
	case asynq.TaskStatePending:
		return string(StateWaiting)
	case asynq.TaskStateActive:
		return string(StateActive)
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return string(StateDelayed)
	case asynq.TaskStateArchived:
		return string(StateFailed)
	case asynq.TaskStateCompleted:
		return string(StateCompleted)
	default:
		return s.String()
	}
}

// Stats is the per-channel counter set. A channel the broker has not
// seen yet reports all zeros.
type Stats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    bool `json:"paused"`
}

func (q *Queue) Stats(channel string) (*Stats, error) {
	info, err := q.inspector.GetQueueInfo(channel)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return &Stats{}, nil
		}
		return nil, fmt.Errorf("queue: stats for %s: %w", channel, err)
	}
	return &Stats{
		Waiting:   info.Pending,
		Active:    info.Active,
		Completed: info.Completed,
		Failed:    info.Archived,
		Delayed:   info.Scheduled + info.Retry,
		Paused:    info.Paused,
	}, nil
}

// TaskInfo is the admin-surface view of one queue entry.
type TaskInfo struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Channel       string          `json:"channel"`
	State         string          `json:"state"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Retried       int             `json:"retried"`
	MaxRetry      int             `json:"max_retry"`
	LastError     string          `json:"last_error,omitempty"`
	NextProcessAt *time.Time      `json:"next_process_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func taskInfo(t *asynq.TaskInfo) TaskInfo {
	info := TaskInfo{
		ID:        t.ID,
		Type:      t.Type,
		Channel:   t.Queue,
		State:     stateLabel(t.State),
		Payload:   json.RawMessage(t.Payload),
		Retried:   t.Retried,
		MaxRetry:  t.MaxRetry,
		LastError: t.LastErr,
	}
	if !t.NextProcessAt.IsZero() {
		ts := t.NextProcessAt
		info.NextProcessAt = &ts
	}
	if !t.CompletedAt.IsZero() {
		ts := t.CompletedAt
		info.CompletedAt = &ts
	}
	return info
}

const (
	defaultPageSize = 20
	cleanPageSize   = 100
)

// ListByState pages entries of one state on one channel. Pages are
// 1-based, matching the broker's pagination.
func (q *Queue) ListByState(channel string, state State, page, size int) ([]TaskInfo, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	opts := []asynq.ListOption{asynq.Page(page), asynq.PageSize(size)}

	var (
		raw []*asynq.TaskInfo
		err error
	)
	switch state {
	case StateWaiting:
		raw, err = q.inspector.ListPendingTasks(channel, opts...)
	case StateActive:
		raw, err = q.inspector.ListActiveTasks(channel, opts...)
	case StateCompleted:
		raw, err = q.inspector.ListCompletedTasks(channel, opts...)
	case StateFailed:
		raw, err = q.inspector.ListArchivedTasks(channel, opts...)
	case StateDelayed:
		var scheduled, retry []*asynq.TaskInfo
		scheduled, err = q.inspector.ListScheduledTasks(channel, opts...)
		if err == nil {
			retry, err = q.inspector.ListRetryTasks(channel, opts...)
		}
		raw = append(scheduled, retry...)
	default:
		return nil, fmt.Errorf("queue: unknown state %q", state)
	}
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return []TaskInfo{}, nil
		}
		return nil, fmt.Errorf("queue: list %s on %s: %w", state, channel, err)
	}

	out := make([]TaskInfo, 0, len(raw))
	for _, t := range raw {
		out = append(out, taskInfo(t))
	}
	return out, nil
}

// Pause stops new pickups from the channel. Active entries finish.
func (q *Queue) Pause(channel string) error {
	if err := q.inspector.PauseQueue(channel); err != nil {
		return fmt.Errorf("queue: pause %s: %w", channel, err)
	}
	q.logger.Info("channel paused", zap.String("channel", channel))
	return nil
}

// Resume re-enables pickups from the channel.
func (q *Queue) Resume(channel string) error {
	if err := q.inspector.UnpauseQueue(channel); err != nil {
		return fmt.Errorf("queue: resume %s: %w", channel, err)
	}
	q.logger.Info("channel resumed", zap.String("channel", channel))
	return nil
}

func (q *Queue) IsPaused(channel string) (bool, error) {
	info, err := q.inspector.GetQueueInfo(channel)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("queue: paused state for %s: %w", channel, err)
	}
	return info.Paused, nil
}

// Drain removes every waiting entry from the channel. Active entries
// continue; delayed entries keep their schedule.
func (q *Queue) Drain(channel string) (int, error) {
	n, err := q.inspector.DeleteAllPendingTasks(channel)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue: drain %s: %w", channel, err)
	}
	q.logger.Info("channel drained", zap.String("channel", channel), zap.Int("removed", n))
	return n, nil
}

// Clean removes completed or failed entries older than olderThan from
// the channel. A non-positive olderThan removes them all.
func (q *Queue) Clean(channel string, state State, olderThan time.Duration) (int, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, fmt.Errorf("queue: state %q cannot be cleaned", state)
	}

	if olderThan <= 0 {
		var (
			n   int
			err error
		)
		if state == StateCompleted {
			n, err = q.inspector.DeleteAllCompletedTasks(channel)
		} else {
			n, err = q.inspector.DeleteAllArchivedTasks(channel)
		}
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				return 0, nil
			}
			return 0, fmt.Errorf("queue: clean %s on %s: %w", state, channel, err)
		}
		return n, nil
	}

	cutoff := time.Now().Add(-olderThan)
	ids, err := q.collectOlderThan(channel, state, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := q.inspector.DeleteTask(channel, id); err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) {
				continue
			}
			return removed, fmt.Errorf("queue: clean %s on %s: %w", state, channel, err)
		}
		removed++
	}
	q.logger.Info("channel cleaned",
		zap.String("channel", channel),
		zap.String("state", string(state)),
		zap.Int("removed", removed))
	return removed, nil
}

func (q *Queue) collectOlderThan(channel string, state State, cutoff time.Time) ([]string, error) {
	var ids []string
	for page := 1; ; page++ {
		opts := []asynq.ListOption{asynq.Page(page), asynq.PageSize(cleanPageSize)}

		var (
			raw []*asynq.TaskInfo
			err error
		)
		if state == StateCompleted {
			raw, err = q.inspector.ListCompletedTasks(channel, opts...)
		} else {
			raw, err = q.inspector.ListArchivedTasks(channel, opts...)
		}
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("queue: list %s on %s: %w", state, channel, err)
		}

		for _, t := range raw {
			stamp := t.CompletedAt
			if state == StateFailed {
				stamp = t.LastFailedAt
			}
			if !stamp.IsZero() && stamp.Before(cutoff) {
				ids = append(ids, t.ID)
			}
		}
		if len(raw) < cleanPageSize {
			return ids, nil
		}
	}
}

// RetryFailed re-enqueues every failed entry on the channel.
func (q *Queue) RetryFailed(channel string) (int, error) {
	n, err := q.inspector.RunAllArchivedTasks(channel)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue: retry failed on %s: %w", channel, err)
	}
	q.logger.Info("failed entries re-enqueued", zap.String("channel", channel), zap.Int("count", n))
	return n, nil
}

// RetryTask re-enqueues one entry immediately, whatever its state.
func (q *Queue) RetryTask(channel, id string) error {
	if err := q.inspector.RunTask(channel, id); err != nil {
		return fmt.Errorf("queue: retry entry %s on %s: %w", id, channel, err)
	}
	return nil
}

// RemoveTask deletes one entry. Active entries cannot be removed.
func (q *Queue) RemoveTask(channel, id string) error {
	if err := q.inspector.DeleteTask(channel, id); err != nil {
		return fmt.Errorf("queue: remove entry %s on %s: %w", id, channel, err)
	}
	return nil
}

// WorkerInfo describes one connected worker process.
type WorkerInfo struct {
	Host        string         `json:"host"`
	PID         int            `json:"pid"`
	Concurrency int            `json:"concurrency"`
	Channels    map[string]int `json:"channels"`
	Status      string         `json:"status"`
	Started     time.Time      `json:"started"`
	ActiveTasks int            `json:"active_tasks"`
}

// Workers lists the worker processes currently attached to the broker.
func (q *Queue) Workers() ([]WorkerInfo, error) {
	servers, err := q.inspector.Servers()
	if err != nil {
		return nil, fmt.Errorf("queue: workers: %w", err)
	}
	out := make([]WorkerInfo, 0, len(servers))
	for _, s := range servers {
		out = append(out, WorkerInfo{
			Host:        s.Host,
			PID:         s.PID,
			Concurrency: s.Concurrency,
			Channels:    s.Queues,
			Status:      s.Status,
			Started:     s.Started,
			ActiveTasks: len(s.ActiveWorkers),
		})
	}
	return out, nil
}

// ActiveCount sums in-flight entries across both channels. Shutdown
// polls this while draining.
func (q *Queue) ActiveCount() (int, error) {
	total := 0
	for _, channel := range []string{ChannelBackups, ChannelSystem} {
		info, err := q.inspector.GetQueueInfo(channel)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return 0, fmt.Errorf("queue: active count for %s: %w", channel, err)
		}
		total += info.Active
	}
	return total, nil
}
