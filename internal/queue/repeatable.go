package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// enqueueTimeout bounds how long a repeatable tick may spend talking to
// the broker.
const enqueueTimeout = 10 * time.Second

// defaultCronUniqueTTL backs the at-most-one-in-flight guarantee for
// cron entries: a tick that fires while the previous entry is still
// pending or running is dropped. The lock releases when the entry
// completes, so a TTL longer than any sane backup run is safe.
const defaultCronUniqueTTL = time.Hour

type repeatableEntry struct {
	job     gocron.Job
	channel string
	spec    string
}

// RepeatableInfo describes one registered repeatable entry.
type RepeatableInfo struct {
	Key     string    `json:"key"`
	Channel string    `json:"channel"`
	Spec    string    `json:"spec"`
	NextRun time.Time `json:"next_run"`
}

// AddRepeatableCron registers a cron-driven repeatable entry under key.
// Re-registering a key replaces its schedule. The cron expression must
// already be validated; gocron rejections surface as errors.
func (q *Queue) AddRepeatableCron(key, cronSpec, taskType string, payload any, opts EnqueueOptions) error {
	if opts.UniqueFor == 0 {
		opts.UniqueFor = defaultCronUniqueTTL
	}
	return q.addRepeatable(key, gocron.CronJob(cronSpec, false), cronSpec, taskType, payload, opts)
}

// AddRepeatableInterval registers a fixed-interval repeatable entry.
// Duplicate suppression defaults to the interval itself, so a stuck
// entry delays at most one tick.
func (q *Queue) AddRepeatableInterval(key string, interval time.Duration, taskType string, payload any, opts EnqueueOptions) error {
	if opts.UniqueFor == 0 {
		opts.UniqueFor = interval
	}
	return q.addRepeatable(key, gocron.DurationJob(interval), "@every "+interval.String(), taskType, payload, opts)
}

func (q *Queue) addRepeatable(key string, def gocron.JobDefinition, spec, taskType string, payload any, opts EnqueueOptions) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal %s payload: %w", taskType, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.repeatables[key]; ok {
		q.cron.RemoveByTags(key)
		delete(q.repeatables, key)
	}

	job, err := q.cron.NewJob(
		def,
		gocron.NewTask(q.tick(key, taskType, raw, opts)),
		gocron.WithTags(key),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("queue: repeatable %q (spec %q): %w", key, spec, err)
	}

	q.repeatables[key] = &repeatableEntry{job: job, channel: opts.Channel, spec: spec}
	q.logger.Info("repeatable registered",
		zap.String("key", key),
		zap.String("spec", spec),
		zap.String("channel", opts.Channel))
	return nil
}

// tick builds the closure gocron fires on schedule. Duplicate rejections
// mean the previous entry for this key is still in flight and are not
// errors.
func (q *Queue) tick(key, taskType string, payload []byte, opts EnqueueOptions) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()

		id, err := q.enqueueRaw(ctx, taskType, payload, opts)
		switch {
		case err == nil:
			q.logger.Debug("repeatable fired",
				zap.String("key", key),
				zap.String("entry_id", id))
		case IsDuplicate(err):
			q.logger.Debug("repeatable skipped, previous entry still in flight",
				zap.String("key", key))
		default:
			q.logger.Error("repeatable enqueue failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// RemoveRepeatable drops the entry registered under key. Unknown keys
// are a no-op.
func (q *Queue) RemoveRepeatable(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.repeatables[key]; !ok {
		return
	}
	q.cron.RemoveByTags(key)
	delete(q.repeatables, key)
	q.logger.Info("repeatable removed", zap.String("key", key))
}

// ListRepeatable returns the registered entries sorted by key.
func (q *Queue) ListRepeatable() []RepeatableInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]RepeatableInfo, 0, len(q.repeatables))
	for key, entry := range q.repeatables {
		next, _ := entry.job.NextRun()
		out = append(out, RepeatableInfo{
			Key:     key,
			Channel: entry.channel,
			Spec:    entry.spec,
			NextRun: next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// StartRepeatables begins firing registered entries.
func (q *Queue) StartRepeatables() {
	q.cron.Start()
	q.logger.Info("repeatable scheduler started")
}

// StopRepeatables stops firing and waits for in-flight tick functions.
// Entries already enqueued are unaffected.
func (q *Queue) StopRepeatables() error {
	if err := q.cron.Shutdown(); err != nil {
		return fmt.Errorf("queue: stop repeatables: %w", err)
	}
	q.logger.Info("repeatable scheduler stopped")
	return nil
}
