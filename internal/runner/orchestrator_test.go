package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/streamprobe/streamprobe/pkg/errors"
	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/interfaces"
	"github.com/streamprobe/streamprobe/pkg/logger"
	"github.com/streamprobe/streamprobe/pkg/models"
)

type fakeCatalog struct {
	libraries []models.Library
	items     map[string][]models.MediaItem
	recent    map[string][]models.MediaItem
	byID      map[string]models.MediaItem
}

func (c *fakeCatalog) ListLibraries(ctx context.Context) ([]models.Library, error) {
	return c.libraries, nil
}

func (c *fakeCatalog) ListItems(ctx context.Context, libraryID string, limit, offset int) ([]models.MediaItem, int, error) {
	all := c.items[libraryID]
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (c *fakeCatalog) ListRecentItems(ctx context.Context, libraryID string, days, limit int) ([]models.MediaItem, error) {
	return c.recent[libraryID], nil
}

func (c *fakeCatalog) GetItem(ctx context.Context, itemID string) (*models.MediaItem, error) {
	item, ok := c.byID[itemID]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("item %s not found", itemID))
	}
	return &item, nil
}

type fakePool struct {
	mu        sync.Mutex
	tests     []models.Test
	driven    int
	cleared   int
	paused    bool
	cancelled bool
}

func (p *fakePool) Enqueue(test models.Test) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tests = append(p.tests, test)
}

func (p *fakePool) Drive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.driven++
}

func (p *fakePool) Pause()  { p.mu.Lock(); p.paused = true; p.mu.Unlock() }
func (p *fakePool) Resume() { p.mu.Lock(); p.paused = false; p.mu.Unlock() }
func (p *fakePool) Cancel() { p.mu.Lock(); p.cancelled = true; p.mu.Unlock() }

func (p *fakePool) ClearQueue()        { p.mu.Lock(); p.cleared++; p.mu.Unlock() }
func (p *fakePool) SetParallelism(int) {}

func (p *fakePool) snapshot() []models.Test {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Test, len(p.tests))
	copy(out, p.tests)
	return out
}

func (p *fakePool) driveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.driven
}

func (p *fakePool) clearCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleared
}

type memRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]models.Run
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: map[uuid.UUID]models.Run{}}
}

func (r *memRunRepo) Create(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memRunRepo) Update(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return apperrors.NotFound("run not found")
	}
	r.runs[run.ID] = *run
	return nil
}

func (r *memRunRepo) Get(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, apperrors.NotFound("run not found")
	}
	return &run, nil
}

func (r *memRunRepo) List(ctx context.Context, limit, offset int) ([]*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Run, 0, len(r.runs))
	for id := range r.runs {
		run := r.runs[id]
		out = append(out, &run)
	}
	return out, nil
}

type memResultRepo struct {
	mu      sync.Mutex
	results []models.TestResult
}

func (r *memResultRepo) Create(ctx context.Context, result *models.TestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, *result)
	return nil
}

func (r *memResultRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.TestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.TestResult
	for i := range r.results {
		if r.results[i].RunID != nil && *r.results[i].RunID == runID {
			out = append(out, &r.results[i])
		}
	}
	return out, nil
}

type eventCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newEventCounter(bus interfaces.EventBus, types ...string) *eventCounter {
	c := &eventCounter{counts: map[string]int{}}
	for _, eventType := range types {
		bus.Subscribe(eventType, events.HandlerFunc{
			Type: eventType,
			Fn: func(ctx context.Context, event interfaces.Event) error {
				c.mu.Lock()
				c.counts[event.EventType()]++
				c.mu.Unlock()
				return nil
			},
		})
	}
	return c
}

func (c *eventCounter) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[eventType]
}

type fixture struct {
	orch    *Orchestrator
	catalog *fakeCatalog
	pool    *fakePool
	runs    *memRunRepo
	results *memResultRepo
	bus     *events.InMemoryEventBus
}

func newFixture(catalog *fakeCatalog) *fixture {
	log := logger.NewNoopLogger()
	bus := events.NewInMemoryEventBus(log)
	pool := &fakePool{}
	runs := newMemRunRepo()
	results := &memResultRepo{}
	return &fixture{
		orch:    NewOrchestrator(catalog, pool, runs, results, bus, log),
		catalog: catalog,
		pool:    pool,
		runs:    runs,
		results: results,
		bus:     bus,
	}
}

func twoDevices() []models.DeviceProfile {
	return []models.DeviceProfile{
		{ID: uuid.New(), Name: "Chromecast"},
		{ID: uuid.New(), Name: "Roku"},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestCreateRunValidation(t *testing.T) {
	f := newFixture(&fakeCatalog{})

	_, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Scope: models.Scope{Type: models.ScopeAll},
	})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: twoDevices(),
		Scope:   models.Scope{Type: models.ScopeCustom},
	})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: twoDevices(),
		Scope:   models.Scope{Type: "bogus"},
	})
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestStartRunOnlyFromPending(t *testing.T) {
	f := newFixture(&fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Movies"}},
		items:     map[string][]models.MediaItem{"lib1": {{ID: "m1", Name: "Movie"}}},
	})

	run, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: twoDevices(),
		Scope:   models.Scope{Type: models.ScopeAll},
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.StartRun(context.Background(), run.ID))
	err = f.orch.StartRun(context.Background(), run.ID)
	assert.True(t, apperrors.IsConflict(err))
}

func TestStartRunInterleavesDevicesAcrossItems(t *testing.T) {
	items := []models.MediaItem{
		{ID: "m1", Name: "One"},
		{ID: "m2", Name: "Two"},
		{ID: "m3", Name: "Three"},
	}
	f := newFixture(&fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Movies"}},
		items:     map[string][]models.MediaItem{"lib1": items},
	})
	devices := twoDevices()

	run, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: devices,
		Scope:   models.Scope{Type: models.ScopeAll},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.StartRun(context.Background(), run.ID))

	waitFor(t, func() bool { return len(f.pool.snapshot()) == 6 })
	tests := f.pool.snapshot()

	// Consecutive tests alternate devices
	for i, test := range tests {
		assert.Equal(t, devices[i%2].ID, test.Device.ID)
	}

	// Every item/device pairing appears exactly once
	pairs := map[string]int{}
	for _, test := range tests {
		pairs[test.ItemID+"/"+test.Device.ID.String()]++
	}
	assert.Len(t, pairs, 6)
	for pair, n := range pairs {
		assert.Equalf(t, 1, n, "pair %s queued %d times", pair, n)
	}

	// The corrected total lands once the final batch is in
	waitFor(t, func() bool {
		stored, err := f.orch.GetRun(context.Background(), run.ID)
		return err == nil && stored.TotalTests == 6
	})
}

func TestRunCompletesExactlyOnce(t *testing.T) {
	f := newFixture(&fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Movies"}},
		items: map[string][]models.MediaItem{"lib1": {
			{ID: "m1", Name: "One"},
			{ID: "m2", Name: "Two"},
		}},
	})
	counter := newEventCounter(f.bus, events.EventTypeRunCompleted)

	run, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: twoDevices(),
		Scope:   models.Scope{Type: models.ScopeAll},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.StartRun(context.Background(), run.ID))
	waitFor(t, func() bool { return len(f.pool.snapshot()) == 4 })

	for i, test := range f.pool.snapshot() {
		f.orch.OnProbeComplete(models.TestResult{
			TestID:   test.ID,
			RunID:    test.RunID,
			ItemID:   test.ItemID,
			DeviceID: test.Device.ID,
			Success:  i%2 == 0,
		})
	}

	// Completion may ride on the last result or on the total correction,
	// whichever lands second
	waitFor(t, func() bool {
		stored, err := f.orch.GetRun(context.Background(), run.ID)
		return err == nil && stored.Status == models.RunStatusCompleted
	})
	stored, err := f.orch.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.CompletedTests)
	assert.Equal(t, 2, stored.SuccessfulTests)
	assert.Equal(t, 2, stored.FailedTests)
	require.NotNil(t, stored.CompletedAt)

	require.NoError(t, f.bus.Stop())
	assert.Equal(t, 1, counter.count(events.EventTypeRunCompleted))
}

func TestEmptyScopeFailsRun(t *testing.T) {
	f := newFixture(&fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Movies"}},
		items:     map[string][]models.MediaItem{},
	})
	counter := newEventCounter(f.bus, events.EventTypeRunError)

	run, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: twoDevices(),
		Scope:   models.Scope{Type: models.ScopeAll},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.StartRun(context.Background(), run.ID))

	waitFor(t, func() bool {
		stored, err := f.orch.GetRun(context.Background(), run.ID)
		return err == nil && stored.Status == models.RunStatusFailed
	})
	assert.Empty(t, f.pool.snapshot())

	require.NoError(t, f.bus.Stop())
	assert.Equal(t, 1, counter.count(events.EventTypeRunError))
}

func TestRecentScopePinnedSetFiltersLiveResults(t *testing.T) {
	f := newFixture(&fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Shows"}},
		recent: map[string][]models.MediaItem{"lib1": {
			{ID: "a", Name: "Pinned and recent"},
			{ID: "b", Name: "Recent but not pinned"},
		}},
		byID: map[string]models.MediaItem{
			"a": {ID: "a", Name: "Pinned and recent"},
			"c": {ID: "c", Name: "Pinned, aged out"},
		},
	})

	run, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: []models.DeviceProfile{{ID: uuid.New(), Name: "TV"}},
		Scope: models.Scope{
			Type:    models.ScopeRecent,
			Days:    7,
			ItemIDs: []string{"a", "c"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.StartRun(context.Background(), run.ID))

	waitFor(t, func() bool { return len(f.pool.snapshot()) == 2 })
	queued := map[string]bool{}
	for _, test := range f.pool.snapshot() {
		queued[test.ItemID] = true
	}
	assert.True(t, queued["a"])
	assert.True(t, queued["c"])
	assert.False(t, queued["b"], "unpinned item must not be queued")
}

func TestCustomScopeToleratesMissingItems(t *testing.T) {
	f := newFixture(&fakeCatalog{
		byID: map[string]models.MediaItem{
			"a": {ID: "a", Name: "Exists"},
		},
	})

	run, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: []models.DeviceProfile{{ID: uuid.New(), Name: "TV"}},
		Scope:   models.Scope{Type: models.ScopeCustom, ItemIDs: []string{"a", "missing"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.StartRun(context.Background(), run.ID))

	waitFor(t, func() bool { return len(f.pool.snapshot()) == 1 })
	assert.Equal(t, "a", f.pool.snapshot()[0].ItemID)
}

func TestStartRunClearsStaleBacklog(t *testing.T) {
	f := newFixture(&fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Movies"}},
		items:     map[string][]models.MediaItem{"lib1": {{ID: "m1", Name: "One"}}},
	})

	run, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: []models.DeviceProfile{{ID: uuid.New(), Name: "TV"}},
		Scope:   models.Scope{Type: models.ScopeAll},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.StartRun(context.Background(), run.ID))

	// The backlog is cleared synchronously before resolution begins
	assert.Equal(t, 1, f.pool.clearCount())
	waitFor(t, func() bool { return len(f.pool.snapshot()) == 1 })
}

func TestStartRunDrivesPoolPerResolvedBatch(t *testing.T) {
	f := newFixture(&fakeCatalog{
		libraries: []models.Library{
			{ID: "lib1", Name: "Movies"},
			{ID: "lib2", Name: "Shows"},
		},
		items: map[string][]models.MediaItem{
			"lib1": {{ID: "m1", Name: "One"}, {ID: "m2", Name: "Two"}},
			"lib2": {{ID: "s1", Name: "Three"}, {ID: "s2", Name: "Four"}},
		},
	})

	run, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: []models.DeviceProfile{{ID: uuid.New(), Name: "TV"}},
		Scope:   models.Scope{Type: models.ScopeAll},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.StartRun(context.Background(), run.ID))

	waitFor(t, func() bool { return len(f.pool.snapshot()) == 4 })

	// Each library page is enqueued and driven as it resolves, so the
	// pool was kicked once per batch rather than once at the end
	waitFor(t, func() bool { return f.pool.driveCount() >= 2 })
	waitFor(t, func() bool {
		stored, err := f.orch.GetRun(context.Background(), run.ID)
		return err == nil && stored.TotalTests == 4
	})
}

func TestCancelRunIgnoresLateResults(t *testing.T) {
	f := newFixture(&fakeCatalog{
		libraries: []models.Library{{ID: "lib1", Name: "Movies"}},
		items: map[string][]models.MediaItem{"lib1": {
			{ID: "m1", Name: "One"},
			{ID: "m2", Name: "Two"},
		}},
	})

	run, err := f.orch.CreateRun(context.Background(), CreateRunParams{
		Devices: []models.DeviceProfile{{ID: uuid.New(), Name: "TV"}},
		Scope:   models.Scope{Type: models.ScopeAll},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.StartRun(context.Background(), run.ID))
	waitFor(t, func() bool { return len(f.pool.snapshot()) == 2 })

	require.NoError(t, f.orch.CancelRun(context.Background(), run.ID))
	assert.True(t, f.pool.cancelled)

	// A probe that settled after cancel must not move counters
	test := f.pool.snapshot()[0]
	f.orch.OnProbeComplete(models.TestResult{TestID: test.ID, RunID: test.RunID, Success: true})

	stored, err := f.orch.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, stored.Status)
	assert.Zero(t, stored.CompletedTests)

	// But the result itself is still recorded
	results, err := f.orch.ListResults(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	err = f.orch.CancelRun(context.Background(), run.ID)
	assert.True(t, apperrors.IsConflict(err))
}
