package gorm

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamprobe/streamprobe/pkg/models"
)

// RunModel is the database representation of a run. Devices and the
// item id list are stored as JSON text so the schema works on both
// sqlite and postgres.
type RunModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primary_key"`
	Name            string    `gorm:"not null"`
	Status          string    `gorm:"not null;index"`
	Devices         string    `gorm:"type:text"`
	ScopeType       string    `gorm:"not null"`
	ScopeLibraries  string    `gorm:"type:text"`
	ScopeDays       int
	ScopeItems      string `gorm:"type:text"`
	TestDuration    time.Duration
	TotalTests      int
	CompletedTests  int
	SuccessfulTests int
	FailedTests     int
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// ToDomain converts a RunModel to a domain Run
func (m *RunModel) ToDomain() *models.Run {
	run := &models.Run{
		ID:           m.ID,
		Name:         m.Name,
		Status:       models.RunStatus(m.Status),
		TestDuration: m.TestDuration,
		Scope: models.Scope{
			Type: models.ScopeType(m.ScopeType),
			Days: m.ScopeDays,
		},
		TotalTests:      m.TotalTests,
		CompletedTests:  m.CompletedTests,
		SuccessfulTests: m.SuccessfulTests,
		FailedTests:     m.FailedTests,
		CreatedAt:       m.CreatedAt,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
	}
	fromJSON(m.Devices, &run.Devices)
	fromJSON(m.ScopeLibraries, &run.Scope.LibraryIDs)
	fromJSON(m.ScopeItems, &run.Scope.ItemIDs)
	return run
}

// FromDomain fills a RunModel from a domain Run
func (m *RunModel) FromDomain(run *models.Run) {
	m.ID = run.ID
	m.Name = run.Name
	m.Status = string(run.Status)
	m.Devices = toJSON(run.Devices)
	m.ScopeType = string(run.Scope.Type)
	m.ScopeLibraries = toJSON(run.Scope.LibraryIDs)
	m.ScopeDays = run.Scope.Days
	m.ScopeItems = toJSON(run.Scope.ItemIDs)
	m.TestDuration = run.TestDuration
	m.TotalTests = run.TotalTests
	m.CompletedTests = run.CompletedTests
	m.SuccessfulTests = run.SuccessfulTests
	m.FailedTests = run.FailedTests
	m.CreatedAt = run.CreatedAt
	m.StartedAt = run.StartedAt
	m.CompletedAt = run.CompletedAt
}

// TestResultModel is the append-only outcome of one probe.
type TestResultModel struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primary_key"`
	RunID              *uuid.UUID `gorm:"type:uuid;index"`
	ItemID             string     `gorm:"not null;index"`
	ItemName           string
	Path               string
	Container          string
	DeviceID           uuid.UUID `gorm:"type:uuid"`
	DeviceName         string
	Success            bool `gorm:"index"`
	Elapsed            time.Duration
	BytesDownloaded    int64
	SegmentsDownloaded int
	Errors             string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"not null;index"`
}

// ToDomain converts a TestResultModel to a domain TestResult
func (m *TestResultModel) ToDomain() *models.TestResult {
	result := &models.TestResult{
		TestID:             m.ID,
		RunID:              m.RunID,
		ItemID:             m.ItemID,
		ItemName:           m.ItemName,
		Path:               m.Path,
		Container:          m.Container,
		DeviceID:           m.DeviceID,
		DeviceName:         m.DeviceName,
		Success:            m.Success,
		Elapsed:            m.Elapsed,
		BytesDownloaded:    m.BytesDownloaded,
		SegmentsDownloaded: m.SegmentsDownloaded,
		Timestamp:          m.CreatedAt,
	}
	if m.Errors != "" {
		result.Errors = strings.Split(m.Errors, "\n")
	}
	return result
}

// FromDomain fills a TestResultModel from a domain TestResult
func (m *TestResultModel) FromDomain(result *models.TestResult) {
	m.ID = result.TestID
	m.RunID = result.RunID
	m.ItemID = result.ItemID
	m.ItemName = result.ItemName
	m.Path = result.Path
	m.Container = result.Container
	m.DeviceID = result.DeviceID
	m.DeviceName = result.DeviceName
	m.Success = result.Success
	m.Elapsed = result.Elapsed
	m.BytesDownloaded = result.BytesDownloaded
	m.SegmentsDownloaded = result.SegmentsDownloaded
	m.Errors = strings.Join(result.Errors, "\n")
	m.CreatedAt = result.Timestamp
}

// DeviceModel is a persisted device profile.
type DeviceModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key"`
	Name       string    `gorm:"not null;uniqueIndex"`
	DeviceID   string    `gorm:"not null"`
	VideoCodec string    `gorm:"not null"`
	AudioCodec string    `gorm:"not null"`
	MaxBitrate int64
	MaxWidth   int
	MaxHeight  int
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// ToDomain converts a DeviceModel to a domain DeviceProfile
func (m *DeviceModel) ToDomain() *models.DeviceProfile {
	return &models.DeviceProfile{
		ID:         m.ID,
		Name:       m.Name,
		DeviceID:   m.DeviceID,
		VideoCodec: m.VideoCodec,
		AudioCodec: m.AudioCodec,
		MaxBitrate: m.MaxBitrate,
		MaxWidth:   m.MaxWidth,
		MaxHeight:  m.MaxHeight,
		CreatedAt:  m.CreatedAt,
	}
}

// FromDomain fills a DeviceModel from a domain DeviceProfile
func (m *DeviceModel) FromDomain(device *models.DeviceProfile) {
	m.ID = device.ID
	m.Name = device.Name
	m.DeviceID = device.DeviceID
	m.VideoCodec = device.VideoCodec
	m.AudioCodec = device.AudioCodec
	m.MaxBitrate = device.MaxBitrate
	m.MaxWidth = device.MaxWidth
	m.MaxHeight = device.MaxHeight
	m.CreatedAt = device.CreatedAt
}

// ScheduleModel is a persisted recurring-run definition.
type ScheduleModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key"`
	Name         string    `gorm:"not null"`
	Enabled      bool      `gorm:"not null;index"`
	Frequency    string    `gorm:"not null"`
	DayOfWeek    *int
	TimeOfDay    string
	DeviceIDs    string `gorm:"type:text"`
	LibraryIDs   string `gorm:"type:text"`
	MediaScope   string `gorm:"not null"`
	MediaDays    int
	TestDuration time.Duration
	Parallelism  int
	LastRunAt    *time.Time
	NextRunAt    *time.Time `gorm:"index"`
	CreatedAt    time.Time  `gorm:"not null"`
	UpdatedAt    time.Time  `gorm:"not null"`
}

// ToDomain converts a ScheduleModel to a domain Schedule
func (m *ScheduleModel) ToDomain() *models.Schedule {
	schedule := &models.Schedule{
		ID:           m.ID,
		Name:         m.Name,
		Enabled:      m.Enabled,
		Frequency:    models.Frequency(m.Frequency),
		DayOfWeek:    m.DayOfWeek,
		TimeOfDay:    m.TimeOfDay,
		MediaScope:   models.ScopeType(m.MediaScope),
		MediaDays:    m.MediaDays,
		TestDuration: m.TestDuration,
		Parallelism:  m.Parallelism,
		LastRunAt:    m.LastRunAt,
		NextRunAt:    m.NextRunAt,
		CreatedAt:    m.CreatedAt,
	}
	fromJSON(m.DeviceIDs, &schedule.DeviceIDs)
	fromJSON(m.LibraryIDs, &schedule.LibraryIDs)
	return schedule
}

// FromDomain fills a ScheduleModel from a domain Schedule
func (m *ScheduleModel) FromDomain(schedule *models.Schedule) {
	m.ID = schedule.ID
	m.Name = schedule.Name
	m.Enabled = schedule.Enabled
	m.Frequency = string(schedule.Frequency)
	m.DayOfWeek = schedule.DayOfWeek
	m.TimeOfDay = schedule.TimeOfDay
	m.DeviceIDs = toJSON(schedule.DeviceIDs)
	m.LibraryIDs = toJSON(schedule.LibraryIDs)
	m.MediaScope = string(schedule.MediaScope)
	m.MediaDays = schedule.MediaDays
	m.TestDuration = schedule.TestDuration
	m.Parallelism = schedule.Parallelism
	m.LastRunAt = schedule.LastRunAt
	m.NextRunAt = schedule.NextRunAt
	m.CreatedAt = schedule.CreatedAt
}

// ScanStateModel is the single-row scan watermark.
type ScanStateModel struct {
	ID           int       `gorm:"primary_key"`
	LastScanTime time.Time `gorm:"not null"`
	ItemsFound   int
	UpdatedAt    time.Time `gorm:"not null"`
}

func toJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func fromJSON(s string, v interface{}) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}
