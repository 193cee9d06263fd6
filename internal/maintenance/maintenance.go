// Package maintenance runs the periodic system tasks: failing orphaned
// outcome rows whose worker died, and pruning run history past each
// job's retention window. Both run as repeatable entries on the
// system-jobs channel, so at most one of each is ever in flight.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/db"
	"github.com/heijmerikx/stashd-sub001/internal/metrics"
	"github.com/heijmerikx/stashd-sub001/internal/queue"
	"github.com/heijmerikx/stashd-sub001/internal/repositories"
)

// RetentionCronSpec runs the sweep nightly, outside the usual backup
// windows.
const RetentionCronSpec = "0 3 * * *"

const (
	reapKey      = "system-reap-stale"
	retentionKey = "system-retention-sweep"
)

type RunStore interface {
	ReapStale(ctx context.Context, threshold time.Duration) (int64, error)
	PruneOlderThan(ctx context.Context, jobID uuid.UUID, cutoff time.Time) ([]db.BackupRun, error)
}

type JobStore interface {
	List(ctx context.Context, opts repositories.ListOptions) ([]db.BackupJob, int64, error)
}

// Registry is the slice of the queue the maintainer registers its
// repeatable entries on.
type Registry interface {
	AddRepeatableInterval(key string, interval time.Duration, taskType string, payload any, opts queue.EnqueueOptions) error
	AddRepeatableCron(key, cronSpec, taskType string, payload any, opts queue.EnqueueOptions) error
}

type Maintainer struct {
	runs       RunStore
	jobs       JobStore
	staleAfter time.Duration
	logger     *zap.Logger
}

func New(runs RunStore, jobs JobStore, staleAfter time.Duration, logger *zap.Logger) *Maintainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintainer{
		runs:       runs,
		jobs:       jobs,
		staleAfter: staleAfter,
		logger:     logger.Named("maintenance"),
	}
}

// Register adds both system entries: the reaper on the maintenance
// interval and the retention sweep on its nightly cron.
func (m *Maintainer) Register(reg Registry, interval time.Duration) error {
	if err := reg.AddRepeatableInterval(reapKey, interval, queue.TypeReapStale, nil, queue.EnqueueOptions{
		Channel: queue.ChannelSystem,
	}); err != nil {
		return fmt.Errorf("maintenance: register reaper: %w", err)
	}
	if err := reg.AddRepeatableCron(retentionKey, RetentionCronSpec, queue.TypeRetentionSweep, nil, queue.EnqueueOptions{
		Channel: queue.ChannelSystem,
	}); err != nil {
		return fmt.Errorf("maintenance: register retention sweep: %w", err)
	}
	return nil
}

// HandleReapStale fails running outcomes whose heartbeat went quiet.
func (m *Maintainer) HandleReapStale(ctx context.Context, _ *asynq.Task) error {
	reaped, err := m.runs.ReapStale(ctx, m.staleAfter)
	if err != nil {
		return fmt.Errorf("maintenance: reap stale runs: %w", err)
	}
	if reaped > 0 {
		metrics.ReapedRunsTotal.Add(float64(reaped))
		m.logger.Warn("orphaned runs reaped", zap.Int64("count", reaped))
	}
	return nil
}

// HandleRetentionSweep prunes terminal history past each job's retention
// window and unlinks the local artifacts the pruned rows point to. Jobs
// without a retention window are left alone.
func (m *Maintainer) HandleRetentionSweep(ctx context.Context, _ *asynq.Task) error {
	jobs, _, err := m.jobs.List(ctx, repositories.ListOptions{})
	if err != nil {
		return fmt.Errorf("maintenance: list jobs: %w", err)
	}

	var pruned, unlinked int
	for i := range jobs {
		job := &jobs[i]
		if job.RetentionDays <= 0 {
			continue
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -job.RetentionDays)
		rows, err := m.runs.PruneOlderThan(ctx, job.ID, cutoff)
		if err != nil {
			m.logger.Error("retention prune failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		pruned += len(rows)
		unlinked += m.unlinkArtifacts(rows)
	}

	if pruned > 0 {
		m.logger.Info("retention sweep finished",
			zap.Int("rows_pruned", pruned),
			zap.Int("artifacts_unlinked", unlinked))
	}
	return nil
}

// unlinkArtifacts removes on-disk files referenced by pruned rows.
// Object-store paths are not ours to delete.
func (m *Maintainer) unlinkArtifacts(rows []db.BackupRun) int {
	var n int
	for _, row := range rows {
		if row.Status != db.RunStatusCompleted || row.FilePath == "" {
			continue
		}
		if strings.Contains(row.FilePath, "://") {
			continue
		}
		if err := os.Remove(row.FilePath); err != nil {
			if !os.IsNotExist(err) {
				m.logger.Warn("artifact unlink failed",
					zap.String("path", row.FilePath), zap.Error(err))
			}
			continue
		}
		n++
	}
	return n
}
