package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/heijmerikx/stashd-sub001/internal/db"
)

type gormCredentialProviderRepository struct {
	db *gorm.DB
}

// NewCredentialProviderRepository returns a GORM-backed
// CredentialProviderRepository.
func NewCredentialProviderRepository(database *gorm.DB) CredentialProviderRepository {
	return &gormCredentialProviderRepository{db: database}
}

func (r *gormCredentialProviderRepository) Create(ctx context.Context, provider *db.CredentialProvider) error {
	if provider.Config == "" {
		provider.Config = "{}"
	}
	if provider.Type == "" {
		provider.Type = "s3"
	}
	if err := r.db.WithContext(ctx).Create(provider).Error; err != nil {
		return fmt.Errorf("providers: create: %w", err)
	}
	return nil
}

func (r *gormCredentialProviderRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.CredentialProvider, error) {
	var provider db.CredentialProvider
	if err := r.db.WithContext(ctx).First(&provider, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("providers: get: %w", err)
	}
	return &provider, nil
}

func (r *gormCredentialProviderRepository) Update(ctx context.Context, provider *db.CredentialProvider) error {
	res := r.db.WithContext(ctx).Model(&db.CredentialProvider{}).
		Where("id = ?", provider.ID).
		Updates(map[string]interface{}{
			"name":   provider.Name,
			"type":   provider.Type,
			"preset": provider.Preset,
			"config": provider.Config,
		})
	if res.Error != nil {
		return fmt.Errorf("providers: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCredentialProviderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.CredentialProvider{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("providers: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCredentialProviderRepository) List(ctx context.Context, opts ListOptions) ([]db.CredentialProvider, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.CredentialProvider{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("providers: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var providers []db.CredentialProvider
	if err := q.Find(&providers).Error; err != nil {
		return nil, 0, fmt.Errorf("providers: list: %w", err)
	}
	return providers, total, nil
}
