package repositories

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/heijmerikx/stashd-sub001/internal/db"
)

type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a GORM-backed RunRepository.
func NewRunRepository(database *gorm.DB) RunRepository {
	return &gormRunRepository{db: database}
}

// -----------------------------------------------------------------------------
// Outcome writes
// -----------------------------------------------------------------------------

func (r *gormRunRepository) CreateOutcome(ctx context.Context, run *db.BackupRun) error {
	now := time.Now().UTC()
	if run.Status == "" {
		run.Status = db.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.LastHeartbeatAt == nil {
		hb := now
		run.LastHeartbeatAt = &hb
	}
	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create outcome: %w", err)
	}
	return nil
}

func (r *gormRunRepository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&db.BackupRun{}).
		Where("id = ? AND status = ?", id, db.RunStatusRunning).
		Updates(map[string]interface{}{"last_heartbeat_at": now})
	if res.Error != nil {
		return fmt.Errorf("runs: heartbeat: %w", res.Error)
	}
	// Zero rows means the outcome already went terminal; a late beat must
	// never resurrect it.
	return nil
}

func (r *gormRunRepository) Complete(ctx context.Context, id uuid.UUID, fileSize int64, filePath, metadata, executionLog string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":        db.RunStatusCompleted,
		"completed_at":  now,
		"file_size":     fileSize,
		"file_path":     filePath,
		"execution_log": executionLog,
	}
	if metadata != "" {
		updates["metadata"] = metadata
	}
	res := r.db.WithContext(ctx).Model(&db.BackupRun{}).
		Where("id = ? AND status = ?", id, db.RunStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("runs: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRunRepository) Fail(ctx context.Context, id uuid.UUID, errorMessage, executionLog string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&db.BackupRun{}).
		Where("id = ? AND status = ?", id, db.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":        db.RunStatusFailed,
			"completed_at":  now,
			"error_message": errorMessage,
			"execution_log": executionLog,
		})
	if res.Error != nil {
		return fmt.Errorf("runs: fail: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRunRepository) ReapStale(ctx context.Context, threshold time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)
	res := r.db.WithContext(ctx).Model(&db.BackupRun{}).
		Where("status = ?", db.RunStatusRunning).
		Where("(last_heartbeat_at IS NULL AND started_at < ?) OR last_heartbeat_at < ?", cutoff, cutoff).
		Updates(map[string]interface{}{
			"status":        db.RunStatusFailed,
			"error_message": "run orphaned (no heartbeat)",
			"completed_at":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("runs: reap stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *gormRunRepository) PruneOlderThan(ctx context.Context, jobID uuid.UUID, cutoff time.Time) ([]db.BackupRun, error) {
	terminal := []string{db.RunStatusCompleted, db.RunStatusFailed}
	var rows []db.BackupRun
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND status IN ? AND started_at < ?", jobID, terminal, cutoff).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("runs: prune query: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&db.BackupRun{}).Error; err != nil {
		return nil, fmt.Errorf("runs: prune delete: %w", err)
	}
	return rows, nil
}

// -----------------------------------------------------------------------------
// History reads
// -----------------------------------------------------------------------------

func (r *gormRunRepository) RecentHistory(ctx context.Context, limit int) ([]db.BackupRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []db.BackupRun
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("runs: recent history: %w", err)
	}
	return rows, nil
}

func (r *gormRunRepository) RunsForJob(ctx context.Context, jobID uuid.UUID, page, limit int) ([]RunSummary, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&db.BackupRun{}).
		Where("job_id = ?", jobID).
		Distinct("run_id").
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: count for job: %w", err)
	}

	// Page over run identifiers first, then load the full outcome rows for
	// just that page. Ordering by MAX(started_at) keeps a run in one place
	// even when its outcomes started at slightly different times.
	var runIDs []string
	if err := r.db.WithContext(ctx).Model(&db.BackupRun{}).
		Where("job_id = ?", jobID).
		Group("run_id").
		Order("MAX(started_at) DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Pluck("run_id", &runIDs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: page run ids: %w", err)
	}
	if len(runIDs) == 0 {
		return nil, total, nil
	}

	var rows []db.BackupRun
	if err := r.db.WithContext(ctx).
		Where("run_id IN ?", runIDs).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: load outcomes: %w", err)
	}

	summaries := summarizeByRun(rows)
	return summaries, total, nil
}

func (r *gormRunRepository) StatsBatch(ctx context.Context, jobIDs []uuid.UUID) (map[uuid.UUID]JobRunStats, error) {
	stats := make(map[uuid.UUID]JobRunStats, len(jobIDs))
	for _, id := range jobIDs {
		stats[id] = JobRunStats{}
	}
	if len(jobIDs) == 0 {
		return stats, nil
	}

	var rows []db.BackupRun
	if err := r.db.WithContext(ctx).
		Where("job_id IN ?", jobIDs).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("runs: stats batch: %w", err)
	}

	byJob := make(map[uuid.UUID][]db.BackupRun)
	for _, row := range rows {
		byJob[row.JobID] = append(byJob[row.JobID], row)
	}
	for jobID, jobRows := range byJob {
		stats[jobID] = rollupStats(summarizeByRun(jobRows))
	}
	return stats, nil
}

func (r *gormRunRepository) RecentStatusesBatch(ctx context.Context, jobIDs []uuid.UUID, k int) (map[uuid.UUID][]RunSummary, error) {
	if k <= 0 {
		k = 5
	}
	out := make(map[uuid.UUID][]RunSummary, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}

	var rows []db.BackupRun
	if err := r.db.WithContext(ctx).
		Where("job_id IN ?", jobIDs).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("runs: recent statuses batch: %w", err)
	}

	byJob := make(map[uuid.UUID][]db.BackupRun)
	for _, row := range rows {
		byJob[row.JobID] = append(byJob[row.JobID], row)
	}
	for jobID, jobRows := range byJob {
		summaries := summarizeByRun(jobRows)
		if len(summaries) > k {
			summaries = summaries[:k]
		}
		out[jobID] = summaries
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Aggregation
// -----------------------------------------------------------------------------

// summarizeByRun folds outcome rows into per-run summaries, newest first.
func summarizeByRun(rows []db.BackupRun) []RunSummary {
	grouped := make(map[string][]db.BackupRun)
	for _, row := range rows {
		grouped[row.RunID] = append(grouped[row.RunID], row)
	}

	summaries := make([]RunSummary, 0, len(grouped))
	for _, group := range grouped {
		summaries = append(summaries, summarizeRun(group))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	return summaries
}

// summarizeRun folds the outcome rows of a single run into its aggregated
// view. The run is running while any outcome still is; it is partial when
// terminal outcomes disagree.
func summarizeRun(rows []db.BackupRun) RunSummary {
	s := RunSummary{
		RunID: rows[0].RunID,
		JobID: rows[0].JobID,
	}

	var running, completed, failed int
	for i, row := range rows {
		if i == 0 || row.StartedAt.Before(s.StartedAt) {
			s.StartedAt = row.StartedAt
		}
		switch row.Status {
		case db.RunStatusRunning:
			running++
		case db.RunStatusCompleted:
			completed++
		case db.RunStatusFailed:
			failed++
		}
		if row.FileSize != nil {
			s.TotalSize += *row.FileSize
		}
		if row.CompletedAt != nil && (s.CompletedAt == nil || row.CompletedAt.After(*s.CompletedAt)) {
			t := *row.CompletedAt
			s.CompletedAt = &t
		}
	}

	s.TotalDestinations = len(rows)
	s.CompletedDestinations = completed
	s.FailedDestinations = failed

	switch {
	case running > 0:
		s.Status = db.RunStatusRunning
		s.CompletedAt = nil
	case completed > 0 && failed > 0:
		s.Status = db.RunStatusPartial
	case failed > 0:
		s.Status = db.RunStatusFailed
	default:
		s.Status = db.RunStatusCompleted
	}
	return s
}

// rollupStats computes the per-job dashboard rollup from aggregated runs.
// Partial runs count as failed; whatever else happened, at least one copy
// is missing.
func rollupStats(summaries []RunSummary) JobRunStats {
	var stats JobRunStats
	var durationSum float64
	var durationCount int64

	for _, s := range summaries {
		stats.Total++
		switch s.Status {
		case db.RunStatusCompleted:
			stats.Success++
		case db.RunStatusFailed, db.RunStatusPartial:
			stats.Failed++
		}

		if stats.LastRun == nil || s.StartedAt.After(*stats.LastRun) {
			t := s.StartedAt
			stats.LastRun = &t
		}
		if s.Status == db.RunStatusCompleted {
			if stats.LastSuccess == nil || s.StartedAt.After(*stats.LastSuccess) {
				t := s.StartedAt
				stats.LastSuccess = &t
			}
		}
		if s.CompletedAt != nil {
			durationSum += s.CompletedAt.Sub(s.StartedAt).Seconds()
			durationCount++
		}
	}

	if durationCount > 0 {
		stats.AvgDurationSec = durationSum / float64(durationCount)
	}
	return stats
}
