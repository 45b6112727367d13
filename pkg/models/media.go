package models

import (
	"fmt"
	"time"
)

// Library is a media library on the server, used to scope runs and scans.
type Library struct {
	ID   string
	Name string
}

// MediaItem is a playable item from the server catalog.
type MediaItem struct {
	ID            string
	Name          string
	Path          string
	Container     string
	Type          string
	SeriesName    string
	SeasonNumber  int
	EpisodeNumber int
	CreatedAt     time.Time
}

// DisplayName returns a human-readable name. Episodes are rendered as
// "Series S1E2 - Title" so results remain identifiable outside their
// series context.
func (m MediaItem) DisplayName() string {
	if m.Type != "Episode" || m.SeriesName == "" {
		return m.Name
	}

	var marker string
	if m.SeasonNumber > 0 {
		marker = fmt.Sprintf("S%d", m.SeasonNumber)
	}
	if m.EpisodeNumber > 0 {
		marker += fmt.Sprintf("E%d", m.EpisodeNumber)
	}
	if marker != "" {
		marker = " " + marker
	}
	return fmt.Sprintf("%s%s - %s", m.SeriesName, marker, m.Name)
}

// ScanState records the last library scan, persisted between runs so a
// restart does not re-report previously seen items.
type ScanState struct {
	LastScanTime time.Time
	ItemsFound   int
}
