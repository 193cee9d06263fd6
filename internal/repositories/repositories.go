// Package repositories provides the persistence layer over the stashd
// database. Each aggregate gets an interface so consumers can be tested
// against in-memory fakes, with GORM-backed implementations underneath.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/heijmerikx/stashd-sub001/internal/db"
)

// ListOptions carries pagination for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// NotificationPref pairs a delivery channel with a job's per-event flags.
type NotificationPref struct {
	Channel   db.NotificationChannel
	OnSuccess bool
	OnFailure bool
}

// JobRepository manages backup job records and their associations.
type JobRepository interface {
	Create(ctx context.Context, job *db.BackupJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.BackupJob, error)
	// GetByIDWithRefs loads the job together with its destinations (in
	// link-creation order, which is also copy order during a run) and its
	// notification preferences.
	GetByIDWithRefs(ctx context.Context, id uuid.UUID) (*db.BackupJob, []db.Destination, []NotificationPref, error)
	Update(ctx context.Context, job *db.BackupJob) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.BackupJob, int64, error)
	// ListSchedulable returns enabled jobs that carry a schedule
	// expression, valid or not. Validation happens at scheduling time.
	ListSchedulable(ctx context.Context) ([]db.BackupJob, error)
	AddDestination(ctx context.Context, jobID, destinationID uuid.UUID) error
	RemoveDestination(ctx context.Context, jobID, destinationID uuid.UUID) error
	SetNotificationPref(ctx context.Context, pref *db.JobNotification) error
}

// DestinationRepository manages copy targets.
type DestinationRepository interface {
	Create(ctx context.Context, dest *db.Destination) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Destination, error)
	Update(ctx context.Context, dest *db.Destination) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Destination, int64, error)
	// ListForJob returns the job's destinations in link-creation order.
	ListForJob(ctx context.Context, jobID uuid.UUID) ([]db.Destination, error)
}

// CredentialProviderRepository manages stored credential bundles.
type CredentialProviderRepository interface {
	Create(ctx context.Context, provider *db.CredentialProvider) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.CredentialProvider, error)
	Update(ctx context.Context, provider *db.CredentialProvider) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.CredentialProvider, int64, error)
}

// NotificationChannelRepository manages notification delivery channels.
type NotificationChannelRepository interface {
	Create(ctx context.Context, channel *db.NotificationChannel) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.NotificationChannel, error)
	List(ctx context.Context) ([]db.NotificationChannel, error)
}

// RunSummary is the aggregated view of one run composed from its outcome
// rows. Status is "running" while any outcome is still in flight,
// "partial" when outcomes disagree, otherwise the shared terminal status.
type RunSummary struct {
	RunID                 string     `json:"run_id"`
	JobID                 uuid.UUID  `json:"job_id"`
	Status                string     `json:"status"`
	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	TotalDestinations     int        `json:"total_destinations"`
	CompletedDestinations int        `json:"completed_destinations"`
	FailedDestinations    int        `json:"failed_destinations"`
	TotalSize             int64      `json:"total_size"`
}

// JobRunStats is the per-job history rollup used by dashboard views.
type JobRunStats struct {
	Total          int64      `json:"total"`
	Success        int64      `json:"success"`
	Failed         int64      `json:"failed"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	LastSuccess    *time.Time `json:"last_success,omitempty"`
	AvgDurationSec float64    `json:"avg_duration_sec"`
}

// RunRepository is the run history store. Writes operate on individual
// outcome rows; reads compose aggregated run views from them.
type RunRepository interface {
	// CreateOutcome inserts a running outcome row. StartedAt and the first
	// heartbeat default to now when unset.
	CreateOutcome(ctx context.Context, run *db.BackupRun) error
	// Heartbeat refreshes the liveness timestamp. It is a no-op when the
	// outcome has already reached a terminal status, so it is safe to call
	// concurrently with Complete and Fail.
	Heartbeat(ctx context.Context, id uuid.UUID) error
	// Complete transitions a running outcome to completed. Returns
	// ErrNotFound when the row is missing or already terminal.
	Complete(ctx context.Context, id uuid.UUID, fileSize int64, filePath, metadata, executionLog string) error
	// Fail transitions a running outcome to failed. Returns ErrNotFound
	// when the row is missing or already terminal.
	Fail(ctx context.Context, id uuid.UUID, errorMessage, executionLog string) error
	// ReapStale fails running outcomes whose heartbeat is older than
	// threshold and returns how many rows were reaped.
	ReapStale(ctx context.Context, threshold time.Duration) (int64, error)

	// RecentHistory returns the newest outcome rows across all jobs.
	RecentHistory(ctx context.Context, limit int) ([]db.BackupRun, error)
	// RunsForJob returns aggregated runs for one job, newest first, plus
	// the total number of runs. Page is 1-based.
	RunsForJob(ctx context.Context, jobID uuid.UUID, page, limit int) ([]RunSummary, int64, error)
	// StatsBatch computes history rollups for a set of jobs in one pass.
	StatsBatch(ctx context.Context, jobIDs []uuid.UUID) (map[uuid.UUID]JobRunStats, error)
	// RecentStatusesBatch returns the last k aggregated runs per job.
	RecentStatusesBatch(ctx context.Context, jobIDs []uuid.UUID, k int) (map[uuid.UUID][]RunSummary, error)
	// PruneOlderThan deletes terminal outcome rows started before cutoff
	// and returns the deleted rows so callers can clean up artifacts.
	PruneOlderThan(ctx context.Context, jobID uuid.UUID, cutoff time.Time) ([]db.BackupRun, error)
}
