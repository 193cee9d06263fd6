package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/heijmerikx/stashd-sub001/internal/db"
)

type gormNotificationChannelRepository struct {
	db *gorm.DB
}

// NewNotificationChannelRepository returns a GORM-backed
// NotificationChannelRepository.
func NewNotificationChannelRepository(database *gorm.DB) NotificationChannelRepository {
	return &gormNotificationChannelRepository{db: database}
}

func (r *gormNotificationChannelRepository) Create(ctx context.Context, channel *db.NotificationChannel) error {
	if channel.Kind == "" {
		channel.Kind = "webhook"
	}
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("channels: create: %w", err)
	}
	return nil
}

func (r *gormNotificationChannelRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.NotificationChannel, error) {
	var channel db.NotificationChannel
	if err := r.db.WithContext(ctx).First(&channel, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channels: get: %w", err)
	}
	return &channel, nil
}

func (r *gormNotificationChannelRepository) List(ctx context.Context) ([]db.NotificationChannel, error) {
	var channels []db.NotificationChannel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("channels: list: %w", err)
	}
	return channels, nil
}
