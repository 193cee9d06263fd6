// Package scheduler translates backup jobs into repeatable queue entries.
// Each enabled job with a valid cron expression maps to exactly one entry
// keyed by the job id; everything else about execution lives behind the
// queue pickup.
package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/db"
	"github.com/heijmerikx/stashd-sub001/internal/queue"
)

const keyPrefix = "backup-job-"

// RepeatableKey is the stable repeatable-entry key for a job.
func RepeatableKey(jobID uuid.UUID) string { return keyPrefix + jobID.String() }

// JobQueue is the slice of the work queue the scheduler drives.
type JobQueue interface {
	Enqueue(ctx context.Context, taskType string, payload any, opts queue.EnqueueOptions) (string, error)
	AddRepeatableCron(key, cronSpec, taskType string, payload any, opts queue.EnqueueOptions) error
	RemoveRepeatable(key string)
	ListRepeatable() []queue.RepeatableInfo
}

// JobStore is the slice of the job repository the scheduler reads.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.BackupJob, error)
	ListSchedulable(ctx context.Context) ([]db.BackupJob, error)
}

// Scheduler keeps the repeatable registry in step with the job store.
type Scheduler struct {
	jobs   JobStore
	queue  JobQueue
	logger *zap.Logger
}

func New(jobs JobStore, q JobQueue, logger *zap.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, queue: q, logger: logger.Named("scheduler")}
}

// Schedule registers the job's repeatable entry. Disabled jobs, jobs
// without a schedule, and jobs with invalid cron expressions are removed
// from the registry instead; an invalid expression is logged and skipped,
// never an error, so one bad job cannot take down a reconcile pass.
func (s *Scheduler) Schedule(job *db.BackupJob) error {
	key := RepeatableKey(job.ID)

	if !job.Enabled || job.Schedule == "" {
		s.queue.RemoveRepeatable(key)
		s.logger.Debug("job not schedulable, entry removed",
			zap.String("job_id", job.ID.String()),
			zap.Bool("enabled", job.Enabled))
		return nil
	}

	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		s.queue.RemoveRepeatable(key)
		s.logger.Warn("invalid cron expression, job skipped",
			zap.String("job_id", job.ID.String()),
			zap.String("job_name", job.Name),
			zap.String("schedule", job.Schedule),
			zap.Error(err))
		return nil
	}

	err := s.queue.AddRepeatableCron(key, job.Schedule, queue.TypeBackupRun,
		queue.BackupPayload{JobID: job.ID.String(), JobName: job.Name},
		queue.EnqueueOptions{
			Channel:  queue.ChannelBackups,
			Attempts: attemptsFor(job),
		})
	if err != nil {
		return fmt.Errorf("scheduler: schedule job %s: %w", job.ID, err)
	}

	s.logger.Info("job scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("schedule", job.Schedule))
	return nil
}

// Unschedule drops the job's repeatable entry.
func (s *Scheduler) Unschedule(jobID uuid.UUID) {
	s.queue.RemoveRepeatable(RepeatableKey(jobID))
	s.logger.Info("job unscheduled", zap.String("job_id", jobID.String()))
}

// Reschedule is unschedule-then-schedule, for jobs whose cron or enabled
// state changed.
func (s *Scheduler) Reschedule(job *db.BackupJob) error {
	s.queue.RemoveRepeatable(RepeatableKey(job.ID))
	return s.Schedule(job)
}

// InitializeAll reconciles the repeatable registry with the job store:
// every backup-job entry is dropped, then re-created from the current
// schedulable set. Idempotent; run at worker startup to absorb drift.
func (s *Scheduler) InitializeAll(ctx context.Context) error {
	removed := 0
	for _, entry := range s.queue.ListRepeatable() {
		if strings.HasPrefix(entry.Key, keyPrefix) {
			s.queue.RemoveRepeatable(entry.Key)
			removed++
		}
	}

	jobs, err := s.jobs.ListSchedulable(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load schedulable jobs: %w", err)
	}
	for i := range jobs {
		if err := s.Schedule(&jobs[i]); err != nil {
			s.logger.Error("failed to schedule job",
				zap.String("job_id", jobs[i].ID.String()),
				zap.String("job_name", jobs[i].Name),
				zap.Error(err))
		}
	}

	active := 0
	for _, entry := range s.queue.ListRepeatable() {
		if strings.HasPrefix(entry.Key, keyPrefix) {
			active++
		}
	}
	s.logger.Info("scheduler initialized",
		zap.Int("jobs_considered", len(jobs)),
		zap.Int("jobs_scheduled", active),
		zap.Int("stale_entries_removed", removed))
	return nil
}

// TriggerNow enqueues one immediate run of the job, bypassing its cron
// schedule and its enabled flag. Returns the queue entry id.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID uuid.UUID) (string, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("scheduler: trigger job %s: %w", jobID, err)
	}

	id, err := s.queue.Enqueue(ctx, queue.TypeBackupRun,
		queue.BackupPayload{JobID: job.ID.String(), JobName: job.Name},
		queue.EnqueueOptions{
			Channel:  queue.ChannelBackups,
			Attempts: attemptsFor(job),
		})
	if err != nil {
		return "", fmt.Errorf("scheduler: trigger job %s: %w", jobID, err)
	}

	s.logger.Info("manual trigger enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("entry_id", id))
	return id, nil
}

// attemptsFor maps the job's retry count to total queue attempts. Zero
// retries still means one execution.
func attemptsFor(job *db.BackupJob) int {
	if job.RetryCount < 1 {
		return 1
	}
	return job.RetryCount
}
