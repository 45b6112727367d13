package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/interfaces"
	"github.com/streamprobe/streamprobe/pkg/models"
)

// DefaultInterval is how often libraries are scanned for new items.
const DefaultInterval = 15 * time.Minute

// Catalog is the media server surface the scanner reads.
type Catalog interface {
	ListLibraries(ctx context.Context) ([]models.Library, error)
	ListItemsAdded(ctx context.Context, libraryID string, since time.Time) ([]models.MediaItem, error)
}

// StateRepository persists the scan watermark between restarts.
type StateRepository interface {
	Get(ctx context.Context) (*models.ScanState, error)
	Save(ctx context.Context, state *models.ScanState) error
}

// Scanner periodically asks the media server for items added since the
// last scan and publishes what it finds. Consumers decide what to do
// with new items; the scanner only watches.
type Scanner struct {
	catalog    Catalog
	state      StateRepository
	bus        interfaces.EventBus
	logger     interfaces.Logger
	interval   time.Duration
	libraryIDs []string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScanner creates a scanner limited to the given library ids; an
// empty list scans every library. A non-positive interval falls back to
// DefaultInterval.
func NewScanner(catalog Catalog, state StateRepository, bus interfaces.EventBus, logger interfaces.Logger, interval time.Duration, libraryIDs []string) *Scanner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scanner{
		catalog:    catalog,
		state:      state,
		bus:        bus,
		logger:     logger,
		interval:   interval,
		libraryIDs: libraryIDs,
	}
}

// Start begins periodic scanning. Idempotent.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx)
	s.logger.Info("scanner started", interfaces.Duration("interval", s.interval))
}

// Stop halts scanning and waits for an in-flight scan to finish.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scanner stopped")
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scan failed", interfaces.Error(err))
			}
		}
	}
}

// ScanOnce performs a single incremental scan and returns the items
// added since the previous one. The watermark only advances after the
// scan succeeds, so a failed scan is retried over the same window.
func (s *Scanner) ScanOnce(ctx context.Context) ([]models.MediaItem, error) {
	since := s.watermark(ctx)
	started := time.Now()

	s.bus.PublishAsync(ctx, events.NewEvent(events.EventTypeScanStarted, map[string]interface{}{
		"since": since.Format(time.RFC3339),
	}))

	items, err := s.scan(ctx, since)
	if err != nil {
		s.bus.PublishAsync(ctx, events.NewEvent(events.EventTypeScanError, map[string]interface{}{
			"error": err.Error(),
		}))
		return nil, err
	}

	state := &models.ScanState{LastScanTime: started, ItemsFound: len(items)}
	if err := s.state.Save(ctx, state); err != nil {
		s.logger.Error("failed to persist scan watermark", interfaces.Error(err))
	}

	if len(items) > 0 {
		s.logger.Info("scan found new items",
			interfaces.Int("items", len(items)),
			interfaces.String("since", since.Format(time.RFC3339)))
	}
	data := map[string]interface{}{
		"items_found": len(items),
		"since":       since.Format(time.RFC3339),
	}
	if len(items) > 0 {
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		data["item_ids"] = ids
	}
	s.bus.PublishAsync(ctx, events.NewEvent(events.EventTypeScanCompleted, data))
	return items, nil
}

func (s *Scanner) scan(ctx context.Context, since time.Time) ([]models.MediaItem, error) {
	libs := s.libraryIDs
	if len(libs) == 0 {
		libraries, err := s.catalog.ListLibraries(ctx)
		if err != nil {
			return nil, err
		}
		for _, lib := range libraries {
			libs = append(libs, lib.ID)
		}
	}

	var (
		items []models.MediaItem
		seen  = map[string]struct{}{}
	)
	for _, libID := range libs {
		added, err := s.catalog.ListItemsAdded(ctx, libID, since)
		if err != nil {
			return nil, err
		}
		for _, item := range added {
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			items = append(items, item)
		}
	}
	return items, nil
}

// watermark returns the last successful scan time, or one interval ago
// when no state exists yet.
func (s *Scanner) watermark(ctx context.Context) time.Time {
	state, err := s.state.Get(ctx)
	if err != nil || state == nil || state.LastScanTime.IsZero() {
		return time.Now().Add(-s.interval)
	}
	return state.LastScanTime
}
