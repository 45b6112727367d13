package mediaserver

import (
	"time"

	"github.com/streamprobe/streamprobe/pkg/models"
)

// ServerInfo is the result of a connectivity check.
type ServerInfo struct {
	Name    string
	Version string
}

// Wire types for the Jellyfin-compatible HTTP API.

type systemInfoResponse struct {
	ServerName string `json:"ServerName"`
	Version    string `json:"Version"`
}

type userResponse struct {
	ID string `json:"Id"`
}

type mediaSource struct {
	ID        string `json:"Id"`
	Container string `json:"Container"`
}

type playbackInfoResponse struct {
	MediaSources  []mediaSource `json:"MediaSources"`
	PlaySessionID string        `json:"PlaySessionId"`
}

type virtualFolder struct {
	Name   string `json:"Name"`
	ItemID string `json:"ItemId"`
}

type itemResponse struct {
	ID               string `json:"Id"`
	Name             string `json:"Name"`
	Path             string `json:"Path"`
	Container        string `json:"Container"`
	Type             string `json:"Type"`
	SeriesName       string `json:"SeriesName"`
	ParentIndexNum   int    `json:"ParentIndexNumber"`
	IndexNumber      int    `json:"IndexNumber"`
	DateCreated      string `json:"DateCreated"`
}

type itemsResponse struct {
	Items            []itemResponse `json:"Items"`
	TotalRecordCount int            `json:"TotalRecordCount"`
}

func (r itemResponse) toModel() models.MediaItem {
	item := models.MediaItem{
		ID:            r.ID,
		Name:          r.Name,
		Path:          r.Path,
		Container:     r.Container,
		Type:          r.Type,
		SeriesName:    r.SeriesName,
		SeasonNumber:  r.ParentIndexNum,
		EpisodeNumber: r.IndexNumber,
	}
	if r.DateCreated != "" {
		if t, err := time.Parse(time.RFC3339, r.DateCreated); err == nil {
			item.CreatedAt = t
		}
	}
	return item
}
