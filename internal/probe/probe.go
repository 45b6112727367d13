package probe

import (
	"context"
	"time"

	"github.com/streamprobe/streamprobe/pkg/errors"
	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/interfaces"
	"github.com/streamprobe/streamprobe/pkg/models"
)

// Playback position is reported in server ticks.
const ticksPerSecond = 10_000_000

const (
	masterFetchTimeout  = 30 * time.Second
	variantFetchTimeout = 15 * time.Second
	segmentFetchTimeout = 15 * time.Second
	// Pacing between variant refetches; longer when no segment has
	// appeared yet because the transcoder is still warming up
	warmupBackoff   = 2 * time.Second
	refetchInterval = 1500 * time.Millisecond
	// Cadence of playback-progress reports that keep the session
	// visible on the server dashboard
	progressReportInterval = 5 * time.Second
)

// Constraints carries the device capability caps applied to a
// transcode session.
type Constraints struct {
	VideoCodec string
	AudioCodec string
	MaxBitrate int64
	MaxWidth   int
	MaxHeight  int
	Container  string
}

// Session identifies a negotiated transcode session.
type Session struct {
	PlaySessionID string
	MediaSourceID string
}

// MediaServer is the abstract media server collaborator the probe
// drives. Implementations must honor context cancellation on every
// network call so pool-level cancel aborts in-flight transfers.
type MediaServer interface {
	// NegotiateSession starts a transcoding playback session
	NegotiateSession(ctx context.Context, itemID, deviceID string, constraints Constraints) (*Session, error)

	// BuildManifestURL constructs the master playlist URL for a session
	BuildManifestURL(itemID, mediaSourceID, deviceID, playSessionID string, constraints Constraints) string

	// FetchText fetches a playlist body
	FetchText(ctx context.Context, url string) (string, error)

	// FetchBinary fetches a media segment
	FetchBinary(ctx context.Context, url string) ([]byte, error)

	// ReportStarted tells the server playback began (best-effort)
	ReportStarted(ctx context.Context, itemID, playSessionID, mediaSourceID, deviceID string)

	// ReportProgress reports the simulated playback position (best-effort)
	ReportProgress(ctx context.Context, itemID, playSessionID string, positionTicks int64, deviceID string)

	// EndSession stops the session, releasing the server-side transcode
	EndSession(ctx context.Context, itemID, playSessionID string, positionTicks int64, deviceID string) error
}

// Prober runs one simulated-playback validation against a single media
// item / device pairing: it negotiates a transcode session, then
// downloads rendition segments for a bounded duration and verifies the
// transcoder actually produced output.
type Prober struct {
	server MediaServer
	bus    interfaces.EventBus
	logger interfaces.Logger
}

// NewProber creates a prober.
func NewProber(server MediaServer, bus interfaces.EventBus, logger interfaces.Logger) *Prober {
	return &Prober{
		server: server,
		bus:    bus,
		logger: logger,
	}
}

type streamStats struct {
	bytes    int64
	segments int
}

// Run executes the probe for one test. Probe failures are captured on
// the returned result, never returned as errors: the pool must keep
// draining its backlog regardless of individual outcomes.
func (p *Prober) Run(ctx context.Context, test models.Test) models.TestResult {
	start := time.Now()
	result := models.TestResult{
		TestID:     test.ID,
		RunID:      test.RunID,
		ItemID:     test.ItemID,
		ItemName:   test.ItemName,
		Path:       test.Path,
		Container:  test.Container,
		DeviceID:   test.Device.ID,
		DeviceName: test.Device.Name,
		Timestamp:  start,
	}

	log := p.logger.WithFields(
		interfaces.String("test_id", test.ID.String()),
		interfaces.String("item_id", test.ItemID),
		interfaces.String("device", test.Device.Name),
	)

	p.emitTest(ctx, events.EventTypeTestStarted, test, map[string]interface{}{})
	p.emitStage(ctx, test, "starting playback session")

	constraints := Constraints{
		VideoCodec: test.Device.VideoCodec,
		AudioCodec: test.Device.AudioCodec,
		MaxBitrate: test.Device.MaxBitrate,
		MaxWidth:   test.Device.MaxWidth,
		MaxHeight:  test.Device.MaxHeight,
		Container:  test.Container,
	}
	deviceID := test.Device.DeviceID
	if deviceID == "" {
		deviceID = "streamprobe-" + test.Device.ID.String()
	}

	session, err := p.server.NegotiateSession(ctx, test.ItemID, deviceID, constraints)
	if err != nil {
		log.Warn("session negotiation failed", interfaces.Error(err))
		return p.finish(ctx, test, result, start, err)
	}

	manifestURL := p.server.BuildManifestURL(test.ItemID, session.MediaSourceID, deviceID, session.PlaySessionID, constraints)

	p.server.ReportStarted(ctx, test.ItemID, session.PlaySessionID, session.MediaSourceID, deviceID)
	p.emitStage(ctx, test, "validating transcoded stream")

	// Keep the session visible on the server while segments download.
	reportCtx, stopReports := context.WithCancel(ctx)
	go p.reportLoop(reportCtx, test.ItemID, session.PlaySessionID, deviceID)

	stats, streamErr := p.downloadStream(ctx, test, manifestURL)
	stopReports()

	result.BytesDownloaded = stats.bytes
	result.SegmentsDownloaded = stats.segments

	// End the session on every path so a failed probe does not leave a
	// transcode running server-side.
	finalTicks := int64(test.Duration.Seconds()) * ticksPerSecond
	if streamErr != nil {
		finalTicks = 0
	}
	endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := p.server.EndSession(endCtx, test.ItemID, session.PlaySessionID, finalTicks, deviceID); err != nil {
		log.Debug("failed to end playback session", interfaces.Error(err))
	}
	cancel()

	return p.finish(ctx, test, result, start, streamErr)
}

func (p *Prober) finish(ctx context.Context, test models.Test, result models.TestResult, start time.Time, err error) models.TestResult {
	result.Elapsed = time.Since(start)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, err.Error())
		p.emitStage(ctx, test, "test failed: "+err.Error())
	} else {
		result.Success = true
		p.emitStage(ctx, test, "test completed successfully")
	}

	p.emitTest(ctx, events.EventTypeTestCompleted, test, map[string]interface{}{
		"success":             result.Success,
		"bytes_downloaded":    result.BytesDownloaded,
		"segments_downloaded": result.SegmentsDownloaded,
		"elapsed_seconds":     result.Elapsed.Seconds(),
		"errors":              result.Errors,
	})
	return result
}

// reportLoop reports playback progress until the stream download stops.
func (p *Prober) reportLoop(ctx context.Context, itemID, playSessionID, deviceID string) {
	ticker := time.NewTicker(progressReportInterval)
	defer ticker.Stop()

	var elapsed int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed += int64(progressReportInterval.Seconds())
			p.server.ReportProgress(ctx, itemID, playSessionID, elapsed*ticksPerSecond, deviceID)
		}
	}
}

// downloadStream drives the adaptive-bitrate download: master playlist,
// first variant, then segments until end-of-stream, the probe duration
// elapses or the attempt budget runs out.
func (p *Prober) downloadStream(ctx context.Context, test models.Test, masterURL string) (streamStats, error) {
	var stats streamStats

	masterCtx, cancel := context.WithTimeout(ctx, masterFetchTimeout)
	master, err := p.server.FetchText(masterCtx, masterURL)
	cancel()
	if err != nil {
		return stats, errors.UpstreamUnavailable("failed to fetch master playlist", err)
	}

	if !isManifest(master) {
		return stats, errors.InvalidManifest("master playlist missing " + manifestHeader + " header")
	}

	variants := playlistEntries(master)
	if len(variants) == 0 {
		return stats, errors.NoVariants("no variant streams in master playlist")
	}
	variantURL := resolveReference(masterURL, variants[0])

	deadline := time.Now().Add(test.Duration)
	maxAttempts := int(test.Duration.Seconds()) * 2
	downloaded := make(map[string]struct{})
	intervalStart := time.Now()
	var intervalBytes int64

	for attempts := 0; time.Now().Before(deadline) && attempts < maxAttempts; attempts++ {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		variantCtx, cancel := context.WithTimeout(ctx, variantFetchTimeout)
		variant, err := p.server.FetchText(variantCtx, variantURL)
		cancel()
		if err != nil {
			if sleepErr := sleepCtx(ctx, warmupBackoff); sleepErr != nil {
				return stats, sleepErr
			}
			continue
		}

		for _, entry := range playlistEntries(variant) {
			segmentURL := resolveReference(variantURL, entry)
			if _, seen := downloaded[segmentURL]; seen || !time.Now().Before(deadline) {
				continue
			}
			downloaded[segmentURL] = struct{}{}

			segCtx, cancel := context.WithTimeout(ctx, segmentFetchTimeout)
			data, err := p.server.FetchBinary(segCtx, segmentURL)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				// Best-effort: a single bad segment does not fail the probe
				p.logger.Warn("segment download failed",
					interfaces.String("item_id", test.ItemID),
					interfaces.Error(err))
				continue
			}
			stats.bytes += int64(len(data))
			stats.segments++
			intervalBytes += int64(len(data))
		}

		if intervalBytes > 0 {
			p.emitTest(ctx, events.EventTypeTestBandwidth, test, map[string]interface{}{
				"bytes_this_interval": intervalBytes,
				"total_bytes":         stats.bytes,
				"interval_seconds":    time.Since(intervalStart).Seconds(),
			})
			intervalBytes = 0
			intervalStart = time.Now()
		}

		var pause time.Duration
		switch {
		case len(downloaded) == 0:
			pause = warmupBackoff
		case hasEndList(variant):
			if stats.bytes == 0 {
				return stats, errors.NoSegments("no segments downloaded, transcoding may have failed server-side")
			}
			return stats, nil
		default:
			pause = refetchInterval
		}
		if err := sleepCtx(ctx, pause); err != nil {
			return stats, err
		}
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if stats.bytes == 0 {
		return stats, errors.NoSegments("no segments downloaded, transcoding may have failed server-side")
	}
	return stats, nil
}

func (p *Prober) emitTest(ctx context.Context, eventType string, test models.Test, data map[string]interface{}) {
	data["test_id"] = test.ID.String()
	data["item_id"] = test.ItemID
	data["item_name"] = test.ItemName
	data["device_id"] = test.Device.ID.String()
	if test.RunID != nil {
		data["run_id"] = test.RunID.String()
	}
	p.bus.PublishAsync(ctx, events.NewAggregateEvent(eventType, test.ID.String(), data))
}

func (p *Prober) emitStage(ctx context.Context, test models.Test, stage string) {
	p.emitTest(ctx, events.EventTypeTestProgress, test, map[string]interface{}{"stage": stage})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
