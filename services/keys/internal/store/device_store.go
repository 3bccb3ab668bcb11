package store

import (
	"context"
	"time"

	"secumsg/services/keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

// Create inserts the device unless the id already exists. It reports whether
// a row was written.
func (d *DeviceStore) Create(ctx context.Context, device *domain.Device) (bool, error) {
	res := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(device)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (d *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &device, nil
}

func (d *DeviceStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	err := d.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&device, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &device, nil
}

// ListActive returns the user's non-revoked devices, oldest first.
func (d *DeviceStore) ListActive(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Order("created_at asc").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (d *DeviceStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	return d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at).
		Error
}
