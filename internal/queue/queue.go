// Package queue is the durable work queue: asynq on Redis for task
// delivery and retries, gocron for the repeatable entries that feed it.
// Channels are asynq queues; the repeatable registry lives in-process and
// is rebuilt from the job store at startup.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ChannelBackups carries backup executions, two at a time.
	ChannelBackups = "backup-jobs"
	// ChannelSystem carries maintenance work, strictly sequential.
	ChannelSystem = "system-jobs"
)

const (
	TypeBackupRun      = "backup:run"
	TypeReapStale      = "system:reap-stale"
	TypeRetentionSweep = "system:retention-sweep"
)

// DefaultBackoffBase is the exponential backoff base when an entry does
// not carry its own.
const DefaultBackoffBase = 5 * time.Second

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 20

// DefaultRetention is how long completed entries stay inspectable.
const DefaultRetention = 24 * time.Hour

// BackupPayload rides on backup tasks. It is advisory: on pickup the
// executor re-fetches authoritative job state from the store. BackoffMS,
// when set, overrides the retry backoff base for this entry.
type BackupPayload struct {
	JobID     string `json:"job_id"`
	JobName   string `json:"job_name,omitempty"`
	BackoffMS int64  `json:"backoff_ms,omitempty"`
}

// Queue wraps an asynq client/inspector pair and the gocron scheduler
// that fires repeatable entries into it.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redisOpt  asynq.RedisClientOpt
	rdb       *redis.Client
	cron      gocron.Scheduler
	logger    *zap.Logger

	mu          sync.Mutex
	repeatables map[string]*repeatableEntry
}

// Options configures the broker connection.
type Options struct {
	Addr     string
	Username string
	Password string
	Logger   *zap.Logger
}

// New builds a Queue. The broker is not contacted until the first
// operation; call Ping to verify reachability at startup.
func New(opts Options) (*Queue, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("queue: create repeatable scheduler: %w", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		redisOpt:  redisOpt,
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Username: opts.Username,
			Password: opts.Password,
		}),
		cron:        cron,
		logger:      logger.Named("queue"),
		repeatables: make(map[string]*repeatableEntry),
	}, nil
}

// RedisOpt exposes the broker connection for the worker servers.
func (q *Queue) RedisOpt() asynq.RedisClientOpt { return q.redisOpt }

// Ping verifies the broker is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: broker ping: %w", err)
	}
	return nil
}

// Close releases broker connections. StopRepeatables must be called
// separately; repeatables keep their own lifecycle.
func (q *Queue) Close() error {
	errs := []error{q.client.Close(), q.inspector.Close(), q.rdb.Close()}
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("queue: close: %w", err)
		}
	}
	return nil
}

// EnqueueOptions tune a single entry.
type EnqueueOptions struct {
	// Channel is the target channel; empty means ChannelBackups.
	Channel string
	// Attempts is the total number of executions including the first.
	// Values below 1 mean a single attempt.
	Attempts int
	// Retention keeps the completed entry inspectable for this long;
	// zero means DefaultRetention.
	Retention time.Duration
	// UniqueFor suppresses duplicate entries (same type and payload)
	// for this long or until the entry completes, whichever is first.
	UniqueFor time.Duration
	// Delay schedules the entry in the future.
	Delay time.Duration
}

// Enqueue marshals payload and places one entry on a channel. Returns the
// broker-assigned entry id.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal %s payload: %w", taskType, err)
	}
	return q.enqueueRaw(ctx, taskType, raw, opts)
}

func (q *Queue) enqueueRaw(ctx context.Context, taskType string, payload []byte, opts EnqueueOptions) (string, error) {
	channel := opts.Channel
	if channel == "" {
		channel = ChannelBackups
	}
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retention := opts.Retention
	if retention == 0 {
		retention = DefaultRetention
	}

	asynqOpts := []asynq.Option{
		asynq.Queue(channel),
		asynq.MaxRetry(attempts - 1),
		asynq.Retention(retention),
	}
	if opts.UniqueFor > 0 {
		asynqOpts = append(asynqOpts, asynq.Unique(opts.UniqueFor))
	}
	if opts.Delay > 0 {
		asynqOpts = append(asynqOpts, asynq.ProcessIn(opts.Delay))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), asynqOpts...)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s on %s: %w", taskType, channel, err)
	}

	q.logger.Debug("entry enqueued",
		zap.String("id", info.ID),
		zap.String("type", taskType),
		zap.String("channel", channel))
	return info.ID, nil
}

// IsDuplicate reports whether err is the uniqueness rejection for an
// entry whose twin is still pending or running.
func IsDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrDuplicateTask)
}

// RetryDelay implements the exponential backoff contract: attempt n is
// re-enqueued after base × 2^(n−1), where base comes from the entry's
// payload or DefaultBackoffBase. Installed on both worker servers.
func RetryDelay(n int, _ error, task *asynq.Task) time.Duration {
	base := DefaultBackoffBase
	var p BackupPayload
	if err := json.Unmarshal(task.Payload(), &p); err == nil && p.BackoffMS > 0 {
		base = time.Duration(p.BackoffMS) * time.Millisecond
	}
	if n < 1 {
		n = 1
	}
	if n > maxBackoffShift {
		n = maxBackoffShift
	}
	return base << (n - 1)
}
