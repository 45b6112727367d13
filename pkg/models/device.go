package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceProfile describes the playback capabilities of a simulated
// client device. Profiles are read-only inputs to test construction;
// their lifecycle is owned by storage, not by the engine.
type DeviceProfile struct {
	ID         uuid.UUID
	Name       string
	DeviceID   string
	VideoCodec string
	AudioCodec string
	MaxBitrate int64
	MaxWidth   int
	MaxHeight  int
	CreatedAt  time.Time
}

// Profile defaults applied when a device row leaves fields unset.
const (
	DefaultVideoCodec = "h264"
	DefaultAudioCodec = "aac"
	DefaultMaxBitrate = 20_000_000
	DefaultMaxWidth   = 1920
	DefaultMaxHeight  = 1080
)

// Normalize fills unset capability fields with defaults.
func (d *DeviceProfile) Normalize() {
	if d.VideoCodec == "" {
		d.VideoCodec = DefaultVideoCodec
	}
	if d.AudioCodec == "" {
		d.AudioCodec = DefaultAudioCodec
	}
	if d.MaxBitrate <= 0 {
		d.MaxBitrate = DefaultMaxBitrate
	}
	if d.MaxWidth <= 0 {
		d.MaxWidth = DefaultMaxWidth
	}
	if d.MaxHeight <= 0 {
		d.MaxHeight = DefaultMaxHeight
	}
}
