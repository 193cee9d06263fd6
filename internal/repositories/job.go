package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/heijmerikx/stashd-sub001/internal/db"
)

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a GORM-backed JobRepository.
func NewJobRepository(database *gorm.DB) JobRepository {
	return &gormJobRepository{db: database}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.BackupJob) error {
	if job.Config == "" {
		job.Config = "{}"
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupJob, error) {
	var job db.BackupJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) GetByIDWithRefs(ctx context.Context, id uuid.UUID) (*db.BackupJob, []db.Destination, []NotificationPref, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	dests, err := destinationsForJob(ctx, r.db, id)
	if err != nil {
		return nil, nil, nil, err
	}
	job.Destinations = dests

	prefs, err := r.notificationPrefs(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	return job, dests, prefs, nil
}

func (r *gormJobRepository) notificationPrefs(ctx context.Context, jobID uuid.UUID) ([]NotificationPref, error) {
	var links []db.JobNotification
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&links).Error; err != nil {
		return nil, fmt.Errorf("jobs: list notification prefs: %w", err)
	}
	if len(links) == 0 {
		return nil, nil
	}

	channelIDs := make([]uuid.UUID, 0, len(links))
	for _, l := range links {
		channelIDs = append(channelIDs, l.ChannelID)
	}
	var channels []db.NotificationChannel
	if err := r.db.WithContext(ctx).
		Where("id IN ?", channelIDs).
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("jobs: load notification channels: %w", err)
	}
	byID := make(map[uuid.UUID]db.NotificationChannel, len(channels))
	for _, c := range channels {
		byID[c.ID] = c
	}

	prefs := make([]NotificationPref, 0, len(links))
	for _, l := range links {
		channel, ok := byID[l.ChannelID]
		if !ok {
			// Dangling link; the channel was deleted out from under it.
			continue
		}
		prefs = append(prefs, NotificationPref{
			Channel:   channel,
			OnSuccess: l.NotifyOnSuccess,
			OnFailure: l.NotifyOnFailure,
		})
	}
	return prefs, nil
}

func (r *gormJobRepository) Update(ctx context.Context, job *db.BackupJob) error {
	res := r.db.WithContext(ctx).Model(&db.BackupJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"name":                          job.Name,
			"type":                          job.Type,
			"config":                        job.Config,
			"schedule":                      job.Schedule,
			"enabled":                       job.Enabled,
			"retention_days":                job.RetentionDays,
			"retry_count":                   job.RetryCount,
			"source_credential_provider_id": job.SourceCredentialProviderID,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.BackupJob{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("jobs: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	// Drop association rows by hand; the schema carries no FK cascades so
	// the same migrations run on both drivers.
	if err := r.db.WithContext(ctx).Delete(&db.JobDestination{}, "job_id = ?", id).Error; err != nil {
		return fmt.Errorf("jobs: delete destination links: %w", err)
	}
	if err := r.db.WithContext(ctx).Delete(&db.JobNotification{}, "job_id = ?", id).Error; err != nil {
		return fmt.Errorf("jobs: delete notification links: %w", err)
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.BackupJob, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.BackupJob{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var jobs []db.BackupJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListSchedulable(ctx context.Context) ([]db.BackupJob, error) {
	var jobs []db.BackupJob
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND schedule <> ''", true).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list schedulable: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) AddDestination(ctx context.Context, jobID, destinationID uuid.UUID) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&db.JobDestination{}).
		Where("job_id = ? AND destination_id = ?", jobID, destinationID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("jobs: check destination link: %w", err)
	}
	if count > 0 {
		return ErrConflict
	}
	link := db.JobDestination{JobID: jobID, DestinationID: destinationID}
	if err := r.db.WithContext(ctx).Create(&link).Error; err != nil {
		return fmt.Errorf("jobs: add destination: %w", err)
	}
	return nil
}

func (r *gormJobRepository) RemoveDestination(ctx context.Context, jobID, destinationID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Delete(&db.JobDestination{}, "job_id = ? AND destination_id = ?", jobID, destinationID)
	if res.Error != nil {
		return fmt.Errorf("jobs: remove destination: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) SetNotificationPref(ctx context.Context, pref *db.JobNotification) error {
	res := r.db.WithContext(ctx).Model(&db.JobNotification{}).
		Where("job_id = ? AND channel_id = ?", pref.JobID, pref.ChannelID).
		Updates(map[string]interface{}{
			"notify_on_success": pref.NotifyOnSuccess,
			"notify_on_failure": pref.NotifyOnFailure,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: update notification pref: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(pref).Error; err != nil {
		return fmt.Errorf("jobs: create notification pref: %w", err)
	}
	return nil
}
