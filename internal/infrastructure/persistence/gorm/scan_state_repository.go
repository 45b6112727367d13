package gorm

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/streamprobe/streamprobe/pkg/models"
)

// scanStateRowID pins the watermark to a single row.
const scanStateRowID = 1

// ScanStateRepository implements scanner.StateRepository on GORM.
type ScanStateRepository struct {
	db *gorm.DB
}

// NewScanStateRepository creates a new GORM scan state repository
func NewScanStateRepository(db *gorm.DB) *ScanStateRepository {
	return &ScanStateRepository{db: db}
}

// Get returns the persisted watermark, or nil when no scan has run yet
func (r *ScanStateRepository) Get(ctx context.Context) (*models.ScanState, error) {
	var model ScanStateModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", scanStateRowID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &models.ScanState{
		LastScanTime: model.LastScanTime,
		ItemsFound:   model.ItemsFound,
	}, nil
}

// Save upserts the watermark row
func (r *ScanStateRepository) Save(ctx context.Context, state *models.ScanState) error {
	model := ScanStateModel{
		ID:           scanStateRowID,
		LastScanTime: state.LastScanTime,
		ItemsFound:   state.ItemsFound,
	}
	return r.db.WithContext(ctx).Save(&model).Error
}
