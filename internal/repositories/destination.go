package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/heijmerikx/stashd-sub001/internal/db"
)

type gormDestinationRepository struct {
	db *gorm.DB
}

// NewDestinationRepository returns a GORM-backed DestinationRepository.
func NewDestinationRepository(database *gorm.DB) DestinationRepository {
	return &gormDestinationRepository{db: database}
}

func (r *gormDestinationRepository) Create(ctx context.Context, dest *db.Destination) error {
	if dest.Config == "" {
		dest.Config = "{}"
	}
	if err := r.db.WithContext(ctx).Create(dest).Error; err != nil {
		return fmt.Errorf("destinations: create: %w", err)
	}
	return nil
}

func (r *gormDestinationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Destination, error) {
	var dest db.Destination
	if err := r.db.WithContext(ctx).First(&dest, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("destinations: get: %w", err)
	}
	return &dest, nil
}

func (r *gormDestinationRepository) Update(ctx context.Context, dest *db.Destination) error {
	res := r.db.WithContext(ctx).Model(&db.Destination{}).
		Where("id = ?", dest.ID).
		Updates(map[string]interface{}{
			"name":                   dest.Name,
			"type":                   dest.Type,
			"config":                 dest.Config,
			"credential_provider_id": dest.CredentialProviderID,
		})
	if res.Error != nil {
		return fmt.Errorf("destinations: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDestinationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.Destination{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("destinations: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	if err := r.db.WithContext(ctx).Delete(&db.JobDestination{}, "destination_id = ?", id).Error; err != nil {
		return fmt.Errorf("destinations: delete job links: %w", err)
	}
	return nil
}

func (r *gormDestinationRepository) List(ctx context.Context, opts ListOptions) ([]db.Destination, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Destination{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("destinations: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var dests []db.Destination
	if err := q.Find(&dests).Error; err != nil {
		return nil, 0, fmt.Errorf("destinations: list: %w", err)
	}
	return dests, total, nil
}

func (r *gormDestinationRepository) ListForJob(ctx context.Context, jobID uuid.UUID) ([]db.Destination, error) {
	return destinationsForJob(ctx, r.db, jobID)
}

// destinationsForJob resolves a job's destinations in link-creation order.
// Shared with the job repository so both loads agree on ordering.
func destinationsForJob(ctx context.Context, database *gorm.DB, jobID uuid.UUID) ([]db.Destination, error) {
	var links []db.JobDestination
	if err := database.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&links).Error; err != nil {
		return nil, fmt.Errorf("destinations: list links: %w", err)
	}
	if len(links) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.DestinationID)
	}
	var dests []db.Destination
	if err := database.WithContext(ctx).Where("id IN ?", ids).Find(&dests).Error; err != nil {
		return nil, fmt.Errorf("destinations: load for job: %w", err)
	}

	byID := make(map[uuid.UUID]db.Destination, len(dests))
	for _, d := range dests {
		byID[d.ID] = d
	}
	ordered := make([]db.Destination, 0, len(links))
	for _, l := range links {
		if d, ok := byID[l.DestinationID]; ok {
			ordered = append(ordered, d)
		}
	}
	return ordered, nil
}
