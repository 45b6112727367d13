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

// RunRepository implements runner.RunRepository on GORM.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new GORM run repository
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create persists a new run
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	model := &RunModel{}
	model.FromDomain(run)
	return r.db.WithContext(ctx).Create(model).Error
}

// Update persists run state changes
func (r *RunRepository) Update(ctx context.Context, run *models.Run) error {
	model := &RunModel{}
	model.FromDomain(run)
	return r.db.WithContext(ctx).Save(model).Error
}

// Get retrieves a run by its id
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var model RunModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(fmt.Sprintf("run %s not found", id))
		}
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// List pages through runs, newest first
func (r *RunRepository) List(ctx context.Context, limit, offset int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []RunModel
	result := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	runs := make([]*models.Run, len(rows))
	for i := range rows {
		runs[i] = rows[i].ToDomain()
	}
	return runs, nil
}
