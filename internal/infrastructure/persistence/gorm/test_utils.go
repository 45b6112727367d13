package gorm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewTestDB creates a new in-memory SQLite database for testing
func NewTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&RunModel{},
		&TestResultModel{},
		&DeviceModel{},
		&ScheduleModel{},
		&ScanStateModel{},
	)
	require.NoError(t, err)

	return db
}

// CleanupDB cleans up the test database
func CleanupDB(t *testing.T, db *gorm.DB) {
	err := db.Migrator().DropTable(
		&RunModel{},
		&TestResultModel{},
		&DeviceModel{},
		&ScheduleModel{},
		&ScanStateModel{},
	)
	require.NoError(t, err)
}
