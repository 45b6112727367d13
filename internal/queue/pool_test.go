package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/logger"
	"github.com/streamprobe/streamprobe/pkg/models"
)

func newPool(t *testing.T, cfg Config, probe ProbeFunc) (*Pool, chan models.TestResult) {
	t.Helper()
	log := logger.NewNoopLogger()
	pool := NewPool(cfg, probe, events.NewInMemoryEventBus(log), log)
	done := make(chan models.TestResult, 64)
	pool.SetOnComplete(func(result models.TestResult) { done <- result })
	return pool, done
}

func makeTest(name string) models.Test {
	item := models.MediaItem{ID: name, Name: name, Container: "mkv"}
	return models.NewTest(item, models.DeviceProfile{Name: "TV"}, time.Second, nil)
}

func collect(t *testing.T, done chan models.TestResult, n int) []models.TestResult {
	t.Helper()
	results := make([]models.TestResult, 0, n)
	for i := 0; i < n; i++ {
		select {
		case r := <-done:
			results = append(results, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result %d of %d", i+1, n)
		}
	}
	return results
}

func TestEnqueueDoesNotStartExecution(t *testing.T) {
	var started atomic.Int32
	pool, _ := newPool(t, Config{MaxParallel: 2}, func(ctx context.Context, test models.Test) models.TestResult {
		started.Add(1)
		return models.TestResult{TestID: test.ID}
	})

	pool.Enqueue(makeTest("a"))
	pool.Enqueue(makeTest("b"))
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, started.Load())
	assert.Equal(t, 2, pool.Snapshot().QueueLength)
}

func TestDriveRunsEverythingWithinParallelismBudget(t *testing.T) {
	var current, peak atomic.Int32
	pool, done := newPool(t, Config{MaxParallel: 2}, func(ctx context.Context, test models.Test) models.TestResult {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return models.TestResult{TestID: test.ID, ItemID: test.ItemID, Success: true}
	})

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		pool.Enqueue(makeTest(name))
	}
	pool.Drive()

	results := collect(t, done, 5)
	assert.Len(t, results, 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	status := pool.Snapshot()
	assert.Zero(t, status.QueueLength)
	assert.Zero(t, status.Executing)
	assert.False(t, status.Driving)
}

func TestPauseResumeRunsEachTestExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	runsPerItem := map[string]int{}
	pool, done := newPool(t, Config{MaxParallel: 1}, func(ctx context.Context, test models.Test) models.TestResult {
		mu.Lock()
		runsPerItem[test.ItemID]++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return models.TestResult{TestID: test.ID, ItemID: test.ItemID}
	})

	for _, name := range []string{"a", "b", "c"} {
		pool.Enqueue(makeTest(name))
	}
	pool.Drive()

	time.Sleep(10 * time.Millisecond)
	pool.Pause()
	assert.True(t, pool.Snapshot().Paused)
	time.Sleep(50 * time.Millisecond)
	pool.Resume()

	collect(t, done, 3)
	mu.Lock()
	defer mu.Unlock()
	for item, runs := range runsPerItem {
		assert.Equalf(t, 1, runs, "item %s ran %d times", item, runs)
	}
	assert.Len(t, runsPerItem, 3)
}

func TestStaggeredDriveKeepsBudgetAcrossScheduledStarts(t *testing.T) {
	pool, done := newPool(t, Config{MaxParallel: 2, SpreadStartOver: 600 * time.Millisecond}, func(ctx context.Context, test models.Test) models.TestResult {
		time.Sleep(100 * time.Millisecond)
		return models.TestResult{TestID: test.ID, ItemID: test.ItemID}
	})

	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		pool.Enqueue(makeTest(name))
	}

	// Sample executing plus scheduled starts for the whole drive cycle;
	// deferred starts count against the budget too
	var peak atomic.Int32
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			status := pool.Snapshot()
			n := int32(status.Executing + status.Scheduled)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	pool.Drive()
	collect(t, done, 6)
	close(stop)
	<-sampled

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestPauseReclaimsScheduledStarts(t *testing.T) {
	pool, _ := newPool(t, Config{MaxParallel: 3, SpreadStartOver: 30 * time.Second}, func(ctx context.Context, test models.Test) models.TestResult {
		<-ctx.Done()
		return models.TestResult{TestID: test.ID}
	})

	for _, name := range []string{"a", "b", "c"} {
		pool.Enqueue(makeTest(name))
	}
	pool.Drive()
	time.Sleep(50 * time.Millisecond)

	// First start fires immediately, the other two sit on stagger timers
	status := pool.Snapshot()
	require.Equal(t, 1, status.Executing)
	require.Equal(t, 2, status.Scheduled)

	pool.Pause()
	status = pool.Snapshot()
	assert.Zero(t, status.Scheduled)
	assert.Equal(t, 2, status.QueueLength)
	assert.Equal(t, 1, status.Executing)

	pool.Cancel()
}

func TestCancelSettlesAndResets(t *testing.T) {
	release := make(chan struct{})
	pool, done := newPool(t, Config{MaxParallel: 2}, func(ctx context.Context, test models.Test) models.TestResult {
		select {
		case <-ctx.Done():
		case <-release:
		}
		return models.TestResult{TestID: test.ID, ItemID: test.ItemID}
	})

	for _, name := range []string{"a", "b", "c", "d"} {
		pool.Enqueue(makeTest(name))
	}
	pool.Drive()
	time.Sleep(20 * time.Millisecond)

	pool.Cancel()

	status := pool.Snapshot()
	assert.Zero(t, status.Executing)
	assert.Zero(t, status.QueueLength)
	assert.Zero(t, status.Scheduled)
	assert.False(t, status.Driving)
	assert.False(t, status.Cancelled, "cancel must reset once settled")

	// Drain the two aborted results
	collect(t, done, 2)

	// The pool is reusable after cancel
	close(release)
	pool.Enqueue(makeTest("e"))
	pool.Drive()
	results := collect(t, done, 1)
	assert.Equal(t, "e", results[0].ItemID)
}

func TestSetParallelismClamps(t *testing.T) {
	pool, _ := newPool(t, Config{MaxParallel: 2}, func(ctx context.Context, test models.Test) models.TestResult {
		return models.TestResult{TestID: test.ID}
	})

	pool.SetParallelism(50)
	assert.Equal(t, MaxParallel, pool.Snapshot().Parallelism)

	pool.SetParallelism(0)
	assert.Equal(t, MinParallel, pool.Snapshot().Parallelism)

	pool.SetParallelism(4)
	assert.Equal(t, 4, pool.Snapshot().Parallelism)
}

func TestClearQueueDropsBacklogOnly(t *testing.T) {
	pool, _ := newPool(t, Config{MaxParallel: 1}, func(ctx context.Context, test models.Test) models.TestResult {
		return models.TestResult{TestID: test.ID}
	})

	pool.Enqueue(makeTest("a"))
	pool.Enqueue(makeTest("b"))
	pool.ClearQueue()

	assert.Zero(t, pool.Snapshot().QueueLength)
}
