package runner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/streamprobe/streamprobe/pkg/errors"
	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/interfaces"
	"github.com/streamprobe/streamprobe/pkg/models"
)

const (
	catalogPageSize    = 200
	recentFetchLimit   = 500
	defaultRecentDays  = 30
	defaultRunDuration = 30 * time.Second
)

// Catalog is the slice of the media server the orchestrator needs to
// resolve a scope into concrete items.
type Catalog interface {
	ListLibraries(ctx context.Context) ([]models.Library, error)
	ListItems(ctx context.Context, libraryID string, limit, offset int) ([]models.MediaItem, int, error)
	ListRecentItems(ctx context.Context, libraryID string, days, limit int) ([]models.MediaItem, error)
	GetItem(ctx context.Context, itemID string) (*models.MediaItem, error)
}

// TestPool is the queue surface the orchestrator drives.
type TestPool interface {
	Enqueue(test models.Test)
	Drive()
	Pause()
	Resume()
	Cancel()
	ClearQueue()
	SetParallelism(n int)
}

// RunRepository persists run lifecycle state.
type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	Update(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id uuid.UUID) (*models.Run, error)
	List(ctx context.Context, limit, offset int) ([]*models.Run, error)
}

// ResultRepository persists individual test outcomes.
type ResultRepository interface {
	Create(ctx context.Context, result *models.TestResult) error
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.TestResult, error)
}

// CreateRunParams describes a run before it exists.
type CreateRunParams struct {
	Name         string
	Devices      []models.DeviceProfile
	Scope        models.Scope
	TestDuration time.Duration
	Parallelism  int
}

// Orchestrator owns run lifecycles: it resolves a run's scope into
// concrete tests, feeds them to the pool and folds per-test results
// back into run progress. Results carry their own run id, so probes
// from an earlier cancelled run can never pollute a newer run's
// counters.
type Orchestrator struct {
	catalog Catalog
	pool    TestPool
	runs    RunRepository
	results ResultRepository
	bus     interfaces.EventBus
	logger  interfaces.Logger

	// mu serialises the read-increment-persist cycle in onProbeComplete
	// so the completion transition fires exactly once per run
	mu sync.Mutex
}

// NewOrchestrator wires a run orchestrator and registers itself as the
// pool's completion hook.
func NewOrchestrator(catalog Catalog, pool TestPool, runs RunRepository, results ResultRepository, bus interfaces.EventBus, logger interfaces.Logger) *Orchestrator {
	return &Orchestrator{
		catalog: catalog,
		pool:    pool,
		runs:    runs,
		results: results,
		bus:     bus,
		logger:  logger,
	}
}

// OnProbeComplete is the pool's completion hook.
func (o *Orchestrator) OnProbeComplete(result models.TestResult) {
	ctx := context.Background()

	if err := o.results.Create(ctx, &result); err != nil {
		o.logger.Error("failed to persist test result",
			interfaces.String("test_id", result.TestID.String()),
			interfaces.Error(err))
	}

	if result.RunID == nil {
		return
	}
	o.recordProgress(ctx, *result.RunID, result)
}

func (o *Orchestrator) recordProgress(ctx context.Context, runID uuid.UUID, result models.TestResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		o.logger.Error("failed to load run for progress update",
			interfaces.String("run_id", runID.String()),
			interfaces.Error(err))
		return
	}
	if run.Status.IsTerminal() {
		// Late result from a probe that outlived its run
		return
	}

	run.CompletedTests++
	if result.Success {
		run.SuccessfulTests++
	} else {
		run.FailedTests++
	}

	finished := run.TotalTests > 0 && run.CompletedTests >= run.TotalTests
	if finished {
		run.Status = models.RunStatusCompleted
		now := time.Now()
		run.CompletedAt = &now
	}

	if err := o.runs.Update(ctx, run); err != nil {
		o.logger.Error("failed to persist run progress",
			interfaces.String("run_id", runID.String()),
			interfaces.Error(err))
		return
	}

	o.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeRunProgress, run.ID.String(), map[string]interface{}{
		"completed":  run.CompletedTests,
		"successful": run.SuccessfulTests,
		"failed":     run.FailedTests,
		"total":      run.TotalTests,
	}))
	if finished {
		o.logger.Info("run completed",
			interfaces.String("run_id", run.ID.String()),
			interfaces.Int("successful", run.SuccessfulTests),
			interfaces.Int("failed", run.FailedTests))
		o.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeRunCompleted, run.ID.String(), map[string]interface{}{
			"successful": run.SuccessfulTests,
			"failed":     run.FailedTests,
			"total":      run.TotalTests,
		}))
	}
}

// CreateRun validates and persists a pending run. No media items are
// resolved yet; the scope stays declarative until StartRun.
func (o *Orchestrator) CreateRun(ctx context.Context, params CreateRunParams) (*models.Run, error) {
	if len(params.Devices) == 0 {
		return nil, errors.BadRequest("run requires at least one device profile")
	}
	switch params.Scope.Type {
	case models.ScopeAll, models.ScopeRecent:
	case models.ScopeCustom:
		if len(params.Scope.ItemIDs) == 0 {
			return nil, errors.BadRequest("custom scope requires at least one item id")
		}
	default:
		return nil, errors.BadRequest(fmt.Sprintf("unknown scope type: %s", params.Scope.Type))
	}

	devices := make([]models.DeviceProfile, len(params.Devices))
	copy(devices, params.Devices)
	for i := range devices {
		devices[i].Normalize()
	}

	duration := params.TestDuration
	if duration <= 0 {
		duration = defaultRunDuration
	}

	run := &models.Run{
		ID:           uuid.New(),
		Name:         params.Name,
		Status:       models.RunStatusPending,
		Devices:      devices,
		Scope:        params.Scope,
		TestDuration: duration,
		CreatedAt:    time.Now(),
	}
	if run.Name == "" {
		run.Name = fmt.Sprintf("Run %s", run.CreatedAt.Format("2006-01-02 15:04"))
	}

	if err := o.runs.Create(ctx, run); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeInternal, "failed to persist run", err)
	}

	if params.Parallelism > 0 {
		o.pool.SetParallelism(params.Parallelism)
	}

	o.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeRunCreated, run.ID.String(), map[string]interface{}{
		"name":  run.Name,
		"scope": string(run.Scope.Type),
	}))
	return run, nil
}

// StartRun transitions a pending run to running and kicks off scope
// resolution in the background. Returns immediately; progress arrives
// via events.
func (o *Orchestrator) StartRun(ctx context.Context, id uuid.UUID) error {
	run, err := o.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusPending {
		return errors.Conflict(fmt.Sprintf("run %s is %s, only pending runs can start", id, run.Status))
	}

	now := time.Now()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	// Provisional estimate until resolution reports the real count
	run.TotalTests = len(run.Scope.ItemIDs) * len(run.Devices)
	if err := o.runs.Update(ctx, run); err != nil {
		return errors.Wrap(errors.ErrorTypeInternal, "failed to persist run start", err)
	}

	o.logger.Info("run started",
		interfaces.String("run_id", run.ID.String()),
		interfaces.String("scope", string(run.Scope.Type)),
		interfaces.Int("devices", len(run.Devices)))
	o.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeRunStarted, run.ID.String(), nil))

	// Drop any stale backlog a previous run left behind before this
	// run's tests start landing
	o.pool.ClearQueue()

	// Resolution outlives the caller's request context
	go o.resolveAndEnqueue(context.Background(), run)
	return nil
}

// resolveAndEnqueue streams the scope into the pool: each resolved batch
// is expanded into tests, enqueued and driven immediately, so probing
// starts while later catalog pages are still loading. TotalTests is
// corrected once the final batch has landed.
func (o *Orchestrator) resolveAndEnqueue(ctx context.Context, run *models.Run) {
	enqueued := 0
	err := o.streamScope(ctx, run.Scope, func(batch []models.MediaItem) bool {
		if len(batch) == 0 {
			return true
		}
		if !o.runActive(ctx, run.ID) {
			// Cancelled mid-resolution; stop pulling pages
			return false
		}
		tests := buildTests(run, batch)
		for _, test := range tests {
			o.pool.Enqueue(test)
		}
		o.pool.Drive()
		enqueued += len(tests)
		return true
	})
	if err != nil && enqueued == 0 {
		o.failRun(ctx, run, err)
		return
	}
	if err != nil {
		// Partial resolution is usable; the failures are logged
		o.logger.Warn("scope resolved with errors",
			interfaces.String("run_id", run.ID.String()),
			interfaces.Int("tests", enqueued),
			interfaces.Error(err))
	}
	if enqueued == 0 {
		o.failRun(ctx, run, errors.BadRequest("scope resolved to zero media items"))
		return
	}

	o.mu.Lock()
	current, gerr := o.runs.Get(ctx, run.ID)
	if gerr != nil || current.Status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	current.TotalTests = enqueued
	// Every probe may already have settled against the provisional count
	finished := current.CompletedTests >= current.TotalTests
	if finished {
		current.Status = models.RunStatusCompleted
		now := time.Now()
		current.CompletedAt = &now
	}
	if uerr := o.runs.Update(ctx, current); uerr != nil {
		o.logger.Error("failed to persist test count",
			interfaces.String("run_id", run.ID.String()),
			interfaces.Error(uerr))
	}
	o.mu.Unlock()

	if finished {
		o.logger.Info("run completed",
			interfaces.String("run_id", current.ID.String()),
			interfaces.Int("successful", current.SuccessfulTests),
			interfaces.Int("failed", current.FailedTests))
		o.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeRunCompleted, current.ID.String(), map[string]interface{}{
			"successful": current.SuccessfulTests,
			"failed":     current.FailedTests,
			"total":      current.TotalTests,
		}))
	}

	o.logger.Info("run tests enqueued",
		interfaces.String("run_id", run.ID.String()),
		interfaces.Int("tests", enqueued))
}

// runActive reports whether the run is still in a non-terminal state.
func (o *Orchestrator) runActive(ctx context.Context, id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, err := o.runs.Get(ctx, id)
	return err == nil && !run.Status.IsTerminal()
}

func (o *Orchestrator) failRun(ctx context.Context, run *models.Run, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	current, err := o.runs.Get(ctx, run.ID)
	if err != nil || current.Status.IsTerminal() {
		return
	}
	current.Status = models.RunStatusFailed
	now := time.Now()
	current.CompletedAt = &now
	if uerr := o.runs.Update(ctx, current); uerr != nil {
		o.logger.Error("failed to persist run failure",
			interfaces.String("run_id", run.ID.String()),
			interfaces.Error(uerr))
	}

	o.logger.Error("run failed",
		interfaces.String("run_id", run.ID.String()),
		interfaces.Error(cause))
	o.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeRunError, run.ID.String(), map[string]interface{}{
		"error": cause.Error(),
	}))
}

// buildTests pairs every resolved item with every device profile. Each
// device gets its own shuffled item order and the per-device sequences
// are interleaved round-robin, so consecutive pool slots hit different
// items on different devices instead of hammering one item.
func buildTests(run *models.Run, items []models.MediaItem) []models.Test {
	perDevice := make([][]models.Test, len(run.Devices))
	for d, device := range run.Devices {
		shuffled := make([]models.MediaItem, len(items))
		copy(shuffled, items)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		tests := make([]models.Test, 0, len(shuffled))
		for _, item := range shuffled {
			tests = append(tests, models.NewTest(item, device, run.TestDuration, &run.ID))
		}
		perDevice[d] = tests
	}

	interleaved := make([]models.Test, 0, len(items)*len(run.Devices))
	for i := 0; i < len(items); i++ {
		for d := range perDevice {
			if i < len(perDevice[d]) {
				interleaved = append(interleaved, perDevice[d][i])
			}
		}
	}
	return interleaved
}

// emitFunc receives one deduplicated batch of resolved items; returning
// false stops the stream.
type emitFunc func(items []models.MediaItem) bool

// streamScope turns a declarative scope into batches of concrete,
// deduplicated media items, emitted as they resolve. Individual lookup
// failures are tolerated and aggregated; the caller decides whether the
// error is fatal based on what was emitted.
func (o *Orchestrator) streamScope(ctx context.Context, scope models.Scope, emit emitFunc) error {
	switch scope.Type {
	case models.ScopeAll:
		return o.streamAll(ctx, scope.LibraryIDs, emit)
	case models.ScopeRecent:
		return o.streamRecent(ctx, scope, emit)
	case models.ScopeCustom:
		return o.streamCustom(ctx, scope.ItemIDs, emit)
	default:
		return errors.BadRequest(fmt.Sprintf("unknown scope type: %s", scope.Type))
	}
}

func (o *Orchestrator) libraryIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) > 0 {
		return ids, nil
	}
	libraries, err := o.catalog.ListLibraries(ctx)
	if err != nil {
		return nil, errors.Resolution("failed to list libraries", err)
	}
	out := make([]string, 0, len(libraries))
	for _, lib := range libraries {
		out = append(out, lib.ID)
	}
	return out, nil
}

func (o *Orchestrator) streamAll(ctx context.Context, libraryIDs []string, emit emitFunc) error {
	libs, err := o.libraryIDs(ctx, libraryIDs)
	if err != nil {
		return err
	}

	var (
		seen   = map[string]struct{}{}
		errAcc *multierror.Error
	)
	for _, libID := range libs {
		offset := 0
		for {
			page, total, err := o.catalog.ListItems(ctx, libID, catalogPageSize, offset)
			if err != nil {
				errAcc = multierror.Append(errAcc, fmt.Errorf("library %s: %w", libID, err))
				break
			}
			batch := make([]models.MediaItem, 0, len(page))
			for _, item := range page {
				if _, dup := seen[item.ID]; dup {
					continue
				}
				seen[item.ID] = struct{}{}
				batch = append(batch, item)
			}
			if !emit(batch) {
				return errAcc.ErrorOrNil()
			}
			offset += len(page)
			if len(page) == 0 || offset >= total {
				break
			}
		}
	}
	return errAcc.ErrorOrNil()
}

func (o *Orchestrator) streamRecent(ctx context.Context, scope models.Scope, emit emitFunc) error {
	days := scope.Days
	if days <= 0 {
		days = defaultRecentDays
	}
	libs, err := o.libraryIDs(ctx, scope.LibraryIDs)
	if err != nil {
		return err
	}

	// A non-empty item list pins the scope: only those ids qualify even
	// if the live query returns items added since the run was created
	var pinned map[string]struct{}
	if len(scope.ItemIDs) > 0 {
		pinned = make(map[string]struct{}, len(scope.ItemIDs))
		for _, id := range scope.ItemIDs {
			pinned[id] = struct{}{}
		}
	}

	var (
		seen   = map[string]struct{}{}
		errAcc *multierror.Error
	)
	for _, libID := range libs {
		recent, err := o.catalog.ListRecentItems(ctx, libID, days, recentFetchLimit)
		if err != nil {
			errAcc = multierror.Append(errAcc, fmt.Errorf("library %s: %w", libID, err))
			continue
		}
		batch := make([]models.MediaItem, 0, len(recent))
		for _, item := range recent {
			if pinned != nil {
				if _, ok := pinned[item.ID]; !ok {
					continue
				}
			}
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			batch = append(batch, item)
		}
		if !emit(batch) {
			return errAcc.ErrorOrNil()
		}
	}

	// Pinned items that fell out of the recency window still belong to
	// the run; fetch them individually
	var stragglers []models.MediaItem
	for id := range pinned {
		if _, ok := seen[id]; ok {
			continue
		}
		item, err := o.catalog.GetItem(ctx, id)
		if err != nil {
			errAcc = multierror.Append(errAcc, fmt.Errorf("item %s: %w", id, err))
			continue
		}
		seen[id] = struct{}{}
		stragglers = append(stragglers, *item)
	}
	if len(stragglers) > 0 {
		emit(stragglers)
	}
	return errAcc.ErrorOrNil()
}

func (o *Orchestrator) streamCustom(ctx context.Context, itemIDs []string, emit emitFunc) error {
	var (
		seen   = map[string]struct{}{}
		batch  []models.MediaItem
		errAcc *multierror.Error
	)
	for _, id := range itemIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		item, err := o.catalog.GetItem(ctx, id)
		if err != nil {
			errAcc = multierror.Append(errAcc, fmt.Errorf("item %s: %w", id, err))
			continue
		}
		batch = append(batch, *item)
		if len(batch) >= catalogPageSize {
			if !emit(batch) {
				return errAcc.ErrorOrNil()
			}
			batch = nil
		}
	}
	if len(batch) > 0 {
		emit(batch)
	}
	return errAcc.ErrorOrNil()
}

// GetRun loads a run by id.
func (o *Orchestrator) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	return o.runs.Get(ctx, id)
}

// ListRuns pages through runs, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, error) {
	return o.runs.List(ctx, limit, offset)
}

// ListResults returns the persisted results of a run.
func (o *Orchestrator) ListResults(ctx context.Context, runID uuid.UUID) ([]*models.TestResult, error) {
	return o.results.ListByRun(ctx, runID)
}

// PauseRun pauses a running run. In-flight probes finish; no new ones
// start until ResumeRun.
func (o *Orchestrator) PauseRun(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, err := o.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusRunning {
		return errors.Conflict(fmt.Sprintf("run %s is %s, only running runs can pause", id, run.Status))
	}
	run.Status = models.RunStatusPaused
	if err := o.runs.Update(ctx, run); err != nil {
		return errors.Wrap(errors.ErrorTypeInternal, "failed to persist run pause", err)
	}

	o.pool.Pause()
	o.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeRunPaused, run.ID.String(), nil))
	return nil
}

// ResumeRun resumes a paused run.
func (o *Orchestrator) ResumeRun(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, err := o.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusPaused {
		return errors.Conflict(fmt.Sprintf("run %s is %s, only paused runs can resume", id, run.Status))
	}
	run.Status = models.RunStatusRunning
	if err := o.runs.Update(ctx, run); err != nil {
		return errors.Wrap(errors.ErrorTypeInternal, "failed to persist run resume", err)
	}

	o.pool.Resume()
	o.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeRunResumed, run.ID.String(), nil))
	return nil
}

// CancelRun cancels a run: the backlog is dropped, in-flight probes are
// aborted and the call blocks until every probe has settled.
func (o *Orchestrator) CancelRun(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	run, err := o.runs.Get(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if run.Status.IsTerminal() {
		o.mu.Unlock()
		return errors.Conflict(fmt.Sprintf("run %s is already %s", id, run.Status))
	}
	run.Status = models.RunStatusCancelled
	now := time.Now()
	run.CompletedAt = &now
	if err := o.runs.Update(ctx, run); err != nil {
		o.mu.Unlock()
		return errors.Wrap(errors.ErrorTypeInternal, "failed to persist run cancel", err)
	}
	o.mu.Unlock()

	// Blocks until every in-flight probe settles. The run is already
	// terminal, so straggler results do not touch its counters.
	o.pool.Cancel()

	o.logger.Info("run cancelled", interfaces.String("run_id", run.ID.String()))
	o.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeRunCancelled, run.ID.String(), nil))
	return nil
}
