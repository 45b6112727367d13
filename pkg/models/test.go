package models

import (
	"time"

	"github.com/google/uuid"
)

// Test is one unit of work for the pool: a single media item probed
// under a single device profile. Immutable once enqueued.
type Test struct {
	ID        uuid.UUID
	RunID     *uuid.UUID
	ItemID    string
	ItemName  string
	Path      string
	Container string
	Device    DeviceProfile
	Duration  time.Duration
}

// NewTest creates a test for an item/device pairing. RunID stays nil
// for ad-hoc tests queued outside a run.
func NewTest(item MediaItem, device DeviceProfile, duration time.Duration, runID *uuid.UUID) Test {
	device.Normalize()
	return Test{
		ID:        uuid.New(),
		RunID:     runID,
		ItemID:    item.ID,
		ItemName:  item.DisplayName(),
		Path:      item.Path,
		Container: item.Container,
		Device:    device,
		Duration:  duration,
	}
}

// TestResult is the append-only outcome of one test. Never mutated
// after the pool reports completion.
type TestResult struct {
	TestID             uuid.UUID
	RunID              *uuid.UUID
	ItemID             string
	ItemName           string
	Path               string
	Container          string
	DeviceID           uuid.UUID
	DeviceName         string
	Success            bool
	Elapsed            time.Duration
	BytesDownloaded    int64
	SegmentsDownloaded int
	Errors             []string
	Timestamp          time.Time
}
