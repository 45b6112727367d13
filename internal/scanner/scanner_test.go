package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamprobe/streamprobe/pkg/errors"
	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/logger"
	"github.com/streamprobe/streamprobe/pkg/models"
)

type fakeCatalog struct {
	mu        sync.Mutex
	libraries []models.Library
	added     map[string][]models.MediaItem
	failWith  error
	lastSince time.Time
}

func (c *fakeCatalog) ListLibraries(ctx context.Context) ([]models.Library, error) {
	return c.libraries, nil
}

func (c *fakeCatalog) ListItemsAdded(ctx context.Context, libraryID string, since time.Time) ([]models.MediaItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSince = since
	if c.failWith != nil {
		return nil, c.failWith
	}
	return c.added[libraryID], nil
}

type memStateRepo struct {
	mu    sync.Mutex
	state *models.ScanState
}

func (r *memStateRepo) Get(ctx context.Context) (*models.ScanState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

func (r *memStateRepo) Save(ctx context.Context, state *models.ScanState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	return nil
}

func newTestScanner(catalog Catalog, state StateRepository, libraryIDs []string) *Scanner {
	log := logger.NewNoopLogger()
	return NewScanner(catalog, state, events.NewInMemoryEventBus(log), log, time.Minute, libraryIDs)
}

func TestScanOnceFindsNewItemsAndAdvancesWatermark(t *testing.T) {
	catalog := &fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Movies"}, {ID: "lib2", Name: "Shows"}},
		added: map[string][]models.MediaItem{
			"lib1": {{ID: "m1", Name: "New Movie"}},
			"lib2": {{ID: "e1", Name: "New Episode"}, {ID: "m1", Name: "New Movie"}},
		},
	}
	state := &memStateRepo{}
	scanner := newTestScanner(catalog, state, nil)

	items, err := scanner.ScanOnce(context.Background())
	require.NoError(t, err)

	// Duplicates across libraries collapse
	assert.Len(t, items, 2)

	require.NotNil(t, state.state)
	assert.Equal(t, 2, state.state.ItemsFound)
	assert.WithinDuration(t, time.Now(), state.state.LastScanTime, 5*time.Second)
}

func TestScanOnceUsesPersistedWatermark(t *testing.T) {
	lastScan := time.Now().Add(-2 * time.Hour)
	catalog := &fakeCatalog{libraries: []models.Library{{ID: "lib1", Name: "Movies"}}}
	state := &memStateRepo{state: &models.ScanState{LastScanTime: lastScan}}
	scanner := newTestScanner(catalog, state, nil)

	_, err := scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lastScan, catalog.lastSince)
}

func TestScanOnceFailureKeepsWatermark(t *testing.T) {
	lastScan := time.Now().Add(-time.Hour)
	catalog := &fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Movies"}},
		failWith:  errors.UpstreamUnavailable("server down", nil),
	}
	state := &memStateRepo{state: &models.ScanState{LastScanTime: lastScan}}
	scanner := newTestScanner(catalog, state, nil)

	_, err := scanner.ScanOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, lastScan, state.state.LastScanTime)
}

func TestScanRespectsConfiguredLibraries(t *testing.T) {
	catalog := &fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Movies"}, {ID: "lib2", Name: "Shows"}},
		added: map[string][]models.MediaItem{
			"lib1": {{ID: "m1", Name: "Movie"}},
			"lib2": {{ID: "e1", Name: "Episode"}},
		},
	}
	scanner := newTestScanner(catalog, &memStateRepo{}, []string{"lib2"})

	items, err := scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "e1", items[0].ID)
}
