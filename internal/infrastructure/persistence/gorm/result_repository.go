package gorm

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/streamprobe/streamprobe/pkg/models"
)

// ResultRepository implements runner.ResultRepository on GORM.
type ResultRepository struct {
	db *gorm.DB
}

// NewResultRepository creates a new GORM result repository
func NewResultRepository(db *gorm.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Create appends a test result
func (r *ResultRepository) Create(ctx context.Context, result *models.TestResult) error {
	model := &TestResultModel{}
	model.FromDomain(result)
	return r.db.WithContext(ctx).Create(model).Error
}

// ListByRun returns a run's results in completion order
func (r *ResultRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.TestResult, error) {
	var rows []TestResultModel
	result := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	results := make([]*models.TestResult, len(rows))
	for i := range rows {
		results[i] = rows[i].ToDomain()
	}
	return results, nil
}

// ListRecent returns the newest results across all runs
func (r *ResultRepository) ListRecent(ctx context.Context, limit int) ([]*models.TestResult, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []TestResultModel
	result := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	results := make([]*models.TestResult, len(rows))
	for i := range rows {
		results[i] = rows[i].ToDomain()
	}
	return results, nil
}
