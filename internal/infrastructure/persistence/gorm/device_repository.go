package gorm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	apperrors "github.com/streamprobe/streamprobe/pkg/errors"
	"github.com/streamprobe/streamprobe/pkg/models"
)

// DeviceRepository persists device profiles on GORM.
type DeviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository creates a new GORM device repository
func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create persists a new device profile
func (r *DeviceRepository) Create(ctx context.Context, device *models.DeviceProfile) error {
	model := &DeviceModel{}
	model.FromDomain(device)
	return r.db.WithContext(ctx).Create(model).Error
}

// Update persists profile changes
func (r *DeviceRepository) Update(ctx context.Context, device *models.DeviceProfile) error {
	model := &DeviceModel{}
	model.FromDomain(device)
	return r.db.WithContext(ctx).Save(model).Error
}

// Get retrieves a device profile by its id
func (r *DeviceRepository) Get(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	var model DeviceModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(fmt.Sprintf("device %s not found", id))
		}
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// Delete removes a device profile
func (r *DeviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&DeviceModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound(fmt.Sprintf("device %s not found", id))
	}
	return nil
}

// List returns every device profile ordered by name
func (r *DeviceRepository) List(ctx context.Context) ([]*models.DeviceProfile, error) {
	var rows []DeviceModel
	result := r.db.WithContext(ctx).Order("name ASC").Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	devices := make([]*models.DeviceProfile, len(rows))
	for i := range rows {
		devices[i] = rows[i].ToDomain()
	}
	return devices, nil
}
