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

// ScheduleRepository implements scheduler.ScheduleRepository on GORM.
type ScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository creates a new GORM schedule repository
func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Create persists a new schedule
func (r *ScheduleRepository) Create(ctx context.Context, schedule *models.Schedule) error {
	model := &ScheduleModel{}
	model.FromDomain(schedule)
	return r.db.WithContext(ctx).Create(model).Error
}

// Update persists schedule changes
func (r *ScheduleRepository) Update(ctx context.Context, schedule *models.Schedule) error {
	model := &ScheduleModel{}
	model.FromDomain(schedule)
	return r.db.WithContext(ctx).Save(model).Error
}

// Get retrieves a schedule by its id
func (r *ScheduleRepository) Get(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	var model ScheduleModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(fmt.Sprintf("schedule %s not found", id))
		}
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// Delete removes a schedule
func (r *ScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&ScheduleModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound(fmt.Sprintf("schedule %s not found", id))
	}
	return nil
}

// List returns every schedule
func (r *ScheduleRepository) List(ctx context.Context) ([]*models.Schedule, error) {
	var rows []ScheduleModel
	result := r.db.WithContext(ctx).Order("created_at ASC").Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	schedules := make([]*models.Schedule, len(rows))
	for i := range rows {
		schedules[i] = rows[i].ToDomain()
	}
	return schedules, nil
}
