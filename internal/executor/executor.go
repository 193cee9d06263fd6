// Package executor runs backup jobs picked up from the work queue: it
// re-reads the job, produces the artifact, fans it out to destinations,
// keeps outcome rows heartbeating while they run, and emits one
// notification event per run.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
	"github.com/heijmerikx/stashd-sub001/internal/credentials"
	"github.com/heijmerikx/stashd-sub001/internal/db"
	"github.com/heijmerikx/stashd-sub001/internal/destination"
	"github.com/heijmerikx/stashd-sub001/internal/metrics"
	"github.com/heijmerikx/stashd-sub001/internal/notification"
	"github.com/heijmerikx/stashd-sub001/internal/queue"
	"github.com/heijmerikx/stashd-sub001/internal/repositories"
	"github.com/heijmerikx/stashd-sub001/internal/secrets"
	"github.com/heijmerikx/stashd-sub001/internal/source"
)

// DefaultHeartbeatInterval matches the reaper contract: well under the
// staleness threshold.
const DefaultHeartbeatInterval = 30 * time.Second

// JobStore is the slice of the job repository the executor reads. The
// payload on a queue entry is advisory; this is the authoritative state.
type JobStore interface {
	GetByIDWithRefs(ctx context.Context, id uuid.UUID) (*db.BackupJob, []db.Destination, []repositories.NotificationPref, error)
}

// RunStore is the slice of the run history store the executor writes.
type RunStore interface {
	CreateOutcome(ctx context.Context, run *db.BackupRun) error
	Heartbeat(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, fileSize int64, filePath, metadata, executionLog string) error
	Fail(ctx context.Context, id uuid.UUID, errorMessage, executionLog string) error
}

// Sources looks up the execution strategy for a source type.
type Sources interface {
	Dumper(sourceType string) (source.Dumper, error)
	Syncer(sourceType string) (source.Syncer, error)
}

// CredentialSource resolves provider references into ephemeral bundles.
type CredentialSource interface {
	Resolve(ctx context.Context, providerID uuid.UUID) (*credentials.Bundle, error)
}

// Config wires an Executor.
type Config struct {
	Jobs        JobStore
	Runs        RunStore
	Sources     Sources
	Copier      destination.Copier
	Credentials CredentialSource
	Notifier    notification.Emitter
	Logger      *zap.Logger

	// TempDir hosts the transient artifact for execute-once-copy-many
	// runs; BackupDir is the default store for jobs with no destinations.
	TempDir   string
	BackupDir string

	HeartbeatInterval time.Duration
}

// Executor picks up backup tasks and drives them to terminal outcomes.
type Executor struct {
	jobs    JobStore
	runs    RunStore
	sources Sources
	copier  destination.Copier
	creds   CredentialSource
	notify  notification.Emitter
	logger  *zap.Logger

	tempDir           string
	backupDir         string
	heartbeatInterval time.Duration
}

func New(cfg Config) *Executor {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		jobs:              cfg.Jobs,
		runs:              cfg.Runs,
		sources:           cfg.Sources,
		copier:            cfg.Copier,
		creds:             cfg.Credentials,
		notify:            cfg.Notifier,
		logger:            logger.Named("executor"),
		tempDir:           cfg.TempDir,
		backupDir:         cfg.BackupDir,
		heartbeatInterval: interval,
	}
}

// HandleBackupTask is the queue handler for backup entries. Payload
// decode failures and missing jobs are terminal: retrying cannot fix
// either, so the entry is failed without further attempts.
func (e *Executor) HandleBackupTask(ctx context.Context, task *asynq.Task) error {
	var payload queue.BackupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("executor: malformed payload: %v: %w", err, asynq.SkipRetry)
	}
	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		return fmt.Errorf("executor: malformed job id %q: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return e.Run(ctx, jobID)
}

// Run executes one backup run for the job and returns an error iff the
// run (or any of its outcomes) failed, so queue retry policy applies.
func (e *Executor) Run(ctx context.Context, jobID uuid.UUID) error {
	runUUID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("executor: generate run id: %w", err)
	}
	runID := runUUID.String()
	start := time.Now()

	job, dests, prefs, err := e.jobs.GetByIDWithRefs(ctx, jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("backup job %s not found: %w", jobID, asynq.SkipRetry)
		}
		return fmt.Errorf("executor: load job %s: %w", jobID, err)
	}

	logger := e.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("run_id", runID))
	logger.Info("backup run started",
		zap.String("type", job.Type),
		zap.Int("destinations", len(dests)))

	cfg, err := e.decryptedConfig(job)
	if err != nil {
		// The job's own config cannot be used: the run dies before any
		// outcome row exists, but the event still goes out.
		logger.Error("backup run aborted", zap.Error(err))
		e.finishRun(ctx, job, prefs, nil, start, err, logger)
		return fmt.Errorf("executor: job %s config: %w", job.ID, err)
	}

	// A broken source-credential reference on an s3 job is not fatal at
	// this point; the per-destination strategy fails each outcome with it.
	var mergeErr error
	if job.Type == db.JobTypeS3 && job.SourceCredentialProviderID != nil {
		mergeErr = e.mergeSourceCredentials(ctx, cfg, *job.SourceCredentialProviderID)
	}

	var results []outcomeResult
	switch {
	case source.IsDatabase(job.Type) && len(dests) > 0:
		results = e.executeOnceCopyMany(ctx, job, cfg, dests, runID, logger)
	case job.Type == db.JobTypeS3 && len(dests) > 0:
		results = e.executePerDestination(ctx, job, cfg, dests, runID, mergeErr, logger)
	case source.IsDatabase(job.Type):
		results = e.executeToDefaultDir(ctx, job, cfg, runID, logger)
	case job.Type == db.JobTypeS3:
		err := errors.New("S3 backup requires at least one destination")
		logger.Error("backup run aborted", zap.Error(err))
		e.finishRun(ctx, job, prefs, nil, start, err, logger)
		return err
	default:
		err := fmt.Errorf("source: unsupported source type %q", job.Type)
		logger.Error("backup run aborted", zap.Error(err))
		e.finishRun(ctx, job, prefs, nil, start, err, logger)
		return err
	}

	e.finishRun(ctx, job, prefs, results, start, nil, logger)

	failed := 0
	for _, r := range results {
		if r.status == db.RunStatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("executor: run %s: %d of %d destinations failed", runID, failed, len(results))
	}
	return nil
}

// decryptedConfig decodes the job config and opens its sensitive fields.
func (e *Executor) decryptedConfig(job *db.BackupJob) (map[string]any, error) {
	cfg, err := job.ConfigMap()
	if err != nil {
		return nil, &backup.Error{
			Kind:    backup.KindSource,
			Message: fmt.Sprintf("job %q has invalid config", job.Name),
			Cause:   err,
		}
	}
	if fields := source.SensitiveFields(job.Type); len(fields) > 0 {
		if err := secrets.DecryptFields(cfg, fields...); err != nil {
			return nil, &backup.Error{
				Kind:    backup.KindDecrypt,
				Message: fmt.Sprintf("job %q could not be decrypted", job.Name),
				Cause:   err,
			}
		}
	}
	return cfg, nil
}

// mergeSourceCredentials overlays the provider bundle onto an s3 job's
// source config.
func (e *Executor) mergeSourceCredentials(ctx context.Context, cfg map[string]any, providerID uuid.UUID) error {
	bundle, err := e.creds.Resolve(ctx, providerID)
	if err != nil {
		return err
	}
	if bundle.Endpoint != "" {
		cfg["endpoint"] = bundle.Endpoint
	}
	cfg["region"] = bundle.Region
	cfg["access_key_id"] = bundle.AccessKeyID
	cfg["secret_access_key"] = bundle.SecretAccessKey
	return nil
}

// finishRun aggregates results, records metrics, and emits the run's
// notification event exactly once. runErr carries run-level aborts that
// produced no outcomes.
func (e *Executor) finishRun(ctx context.Context, job *db.BackupJob, prefs []repositories.NotificationPref, results []outcomeResult, start time.Time, runErr error, logger *zap.Logger) {
	duration := time.Since(start)

	completed, failed := 0, 0
	for _, r := range results {
		if r.status == db.RunStatusCompleted {
			completed++
		} else {
			failed++
		}
		metrics.OutcomesTotal.WithLabelValues(r.status).Inc()
	}

	status := db.RunStatusCompleted
	switch {
	case runErr != nil:
		status = db.RunStatusFailed
	case completed > 0 && failed > 0:
		status = db.RunStatusPartial
	case failed > 0:
		status = db.RunStatusFailed
	}
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.Observe(duration.Seconds())

	event := buildEvent(job, results, duration, runErr)

	// The event must go out even when the run died to a shutdown signal.
	notifyCtx := context.WithoutCancel(ctx)
	if err := e.notify.EmitRunFinished(notifyCtx, event, prefs); err != nil {
		logger.Warn("notification emit failed", zap.Error(err))
	}

	logger.Info("backup run finished",
		zap.String("status", status),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Duration("duration", duration))
}

// buildEvent consolidates per-destination results into the notification
// contract. Top-level file fields mirror the first completed outcome.
func buildEvent(job *db.BackupJob, results []outcomeResult, duration time.Duration, runErr error) *notification.Event {
	event := &notification.Event{
		JobName:         job.Name,
		JobType:         job.Type,
		DurationSeconds: duration.Seconds(),
		Destinations:    make([]notification.DestinationResult, 0, len(results)),
	}

	hasFailures := runErr != nil
	for _, r := range results {
		dest := notification.DestinationResult{
			Name:   r.destName,
			Status: r.status,
		}
		if r.status == db.RunStatusCompleted {
			size := r.fileSize
			dest.FileSize = &size
			dest.FilePath = r.filePath
			if event.FileSize == nil {
				event.FileSize = &size
				event.FilePath = r.filePath
			}
		} else {
			hasFailures = true
			dest.Error = r.errMsg
			if event.Error == "" {
				event.Error = r.errMsg
			}
		}
		event.Destinations = append(event.Destinations, dest)
	}

	if runErr != nil && event.Error == "" {
		event.Error = runErr.Error()
	}
	if hasFailures {
		event.Event = notification.EventFailure
	} else {
		event.Event = notification.EventSuccess
	}
	return event
}
