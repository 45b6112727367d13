package models

import (
	"time"

	"github.com/google/uuid"
)

// Frequency is a schedule's recurrence rule.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyEvery6h  Frequency = "every6h"
	FrequencyEvery12h Frequency = "every12h"
)

// Schedule is a persisted recurring-run definition. NextRunAt is the
// sole trigger condition the scheduler polls.
type Schedule struct {
	ID           uuid.UUID
	Name         string
	Enabled      bool
	Frequency    Frequency
	DayOfWeek    *int
	TimeOfDay    string
	DeviceIDs    []uuid.UUID
	LibraryIDs   []string
	MediaScope   ScopeType
	MediaDays    int
	TestDuration time.Duration
	Parallelism  int
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	CreatedAt    time.Time
}
