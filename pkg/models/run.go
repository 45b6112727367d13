package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCancelled || s == RunStatusCompleted || s == RunStatusFailed
}

// ScopeType selects how a run's media scope is resolved.
type ScopeType string

const (
	// ScopeAll covers every item in the selected libraries
	ScopeAll ScopeType = "all"
	// ScopeRecent covers items added within the last N days
	ScopeRecent ScopeType = "recent"
	// ScopeCustom covers an explicit item id list
	ScopeCustom ScopeType = "custom"
)

// Scope declaratively describes which media items a run covers. It is
// resolved lazily into concrete items when the run starts.
//
// For ScopeRecent a non-empty ItemIDs acts as a pinned set frozen at
// scope-creation time: resolution only queues items in that set even if
// the live catalog query would return newer ones.
type Scope struct {
	Type       ScopeType
	LibraryIDs []string
	Days       int
	ItemIDs    []string
}

// Run is one orchestrated sweep of a scope across a set of device
// profiles. TotalTests starts as an estimate and is corrected to the
// true count once scope resolution finishes.
type Run struct {
	ID              uuid.UUID
	Name            string
	Status          RunStatus
	Devices         []DeviceProfile
	Scope           Scope
	TestDuration    time.Duration
	TotalTests      int
	CompletedTests  int
	SuccessfulTests int
	FailedTests     int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}
