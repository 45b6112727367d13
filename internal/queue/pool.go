package queue

import (
	"context"
	"sync"
	"time"

	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/interfaces"
	"github.com/streamprobe/streamprobe/pkg/models"
)

const (
	// MinParallel and MaxParallel bound SetParallelism
	MinParallel = 1
	MaxParallel = 10

	// Stagger window clamp
	minSpread = 500 * time.Millisecond
	maxSpread = 120 * time.Second
)

// ProbeFunc executes a single test and returns its result. The context
// is cancelled when the pool is cancelled; implementations must abort
// in-flight transfers promptly.
type ProbeFunc func(ctx context.Context, test models.Test) models.TestResult

// CompletionFunc is invoked once per finished test regardless of outcome.
type CompletionFunc func(result models.TestResult)

// Config holds the pool's scheduling knobs.
type Config struct {
	// MaxParallel probes executing or start-scheduled at once
	MaxParallel int
	// DefaultDuration is the probe duration used to derive the stagger
	// window when no explicit override is configured
	DefaultDuration time.Duration
	// SpreadStartOver overrides the derived stagger window
	SpreadStartOver time.Duration
}

// scheduledStart is a staggered start that has been claimed against the
// parallelism budget but has not begun executing yet.
type scheduledStart struct {
	timer *time.Timer
	test  models.Test
}

// Pool owns an ordered backlog of tests and runs up to MaxParallel of
// them concurrently, optionally spreading each batch's starts over a
// stagger window so a burst of transcode requests does not hit the
// media server at once. Deferred starts count against the parallelism
// budget, so the pool never over-commits while a stagger window drains.
type Pool struct {
	probe      ProbeFunc
	onComplete CompletionFunc
	bus        interfaces.EventBus
	logger     interfaces.Logger

	mu              sync.Mutex
	cond            *sync.Cond
	backlog         []models.Test
	scheduled       []*scheduledStart
	executing       int
	parallelism     int
	defaultDuration time.Duration
	spreadOverride  time.Duration
	driving         bool
	paused          bool
	cancelled       bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewPool creates a pool. The completion hook may be set later with
// SetOnComplete; tests finishing before that are only published on the
// event bus.
func NewPool(cfg Config, probe ProbeFunc, bus interfaces.EventBus, logger interfaces.Logger) *Pool {
	parallelism := cfg.MaxParallel
	if parallelism < MinParallel {
		parallelism = MinParallel
	}
	if parallelism > MaxParallel {
		parallelism = MaxParallel
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		probe:           probe,
		bus:             bus,
		logger:          logger,
		parallelism:     parallelism,
		defaultDuration: cfg.DefaultDuration,
		spreadOverride:  cfg.SpreadStartOver,
		runCtx:          ctx,
		runCancel:       cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetOnComplete registers the completion hook invoked once per finished
// test.
func (p *Pool) SetOnComplete(fn CompletionFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onComplete = fn
}

// Enqueue appends a test to the backlog. It never triggers execution;
// callers batch-add and then call Drive.
func (p *Pool) Enqueue(test models.Test) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backlog = append(p.backlog, test)
	p.emitQueueLocked()
}

// Drive begins consuming the backlog until it, all in-flight probes and
// all pending staggered starts are exhausted. Idempotent: a no-op if
// already driving or the backlog is empty.
func (p *Pool) Drive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.driving || len(p.backlog) == 0 {
		return
	}
	p.driving = true
	p.cancelled = false
	go p.driveLoop()
}

func (p *Pool) driveLoop() {
	p.mu.Lock()
	for {
		if p.cancelled {
			break
		}
		if p.paused {
			p.cond.Wait()
			continue
		}
		if len(p.backlog) == 0 && p.executing == 0 && len(p.scheduled) == 0 {
			break
		}

		free := p.parallelism - p.executing - len(p.scheduled)
		if free <= 0 || len(p.backlog) == 0 {
			// Wait for a completion, a scheduled start firing, resume
			// or cancel to reassess
			p.cond.Wait()
			continue
		}

		n := free
		if n > len(p.backlog) {
			n = len(p.backlog)
		}
		batch := make([]models.Test, n)
		copy(batch, p.backlog[:n])
		p.backlog = p.backlog[n:]

		spread := p.spreadWindow()
		if n == 1 || spread <= 0 {
			for _, test := range batch {
				p.startLocked(test)
			}
		} else {
			// Distribute starts evenly across the window instead of
			// firing the whole batch at once
			for i, test := range batch {
				entry := &scheduledStart{test: test}
				delay := time.Duration(i) * spread / time.Duration(n)
				entry.timer = time.AfterFunc(delay, func() { p.fireScheduled(entry) })
				p.scheduled = append(p.scheduled, entry)
			}
		}
		p.emitQueueLocked()
	}
	p.driving = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// startLocked launches a probe immediately. Caller holds p.mu.
func (p *Pool) startLocked(test models.Test) {
	p.executing++
	go p.execute(p.runCtx, test)
}

func (p *Pool) execute(ctx context.Context, test models.Test) {
	result := p.probe(ctx, test)

	p.mu.Lock()
	onComplete := p.onComplete
	p.mu.Unlock()
	if onComplete != nil {
		onComplete(result)
	}

	p.mu.Lock()
	p.executing--
	p.emitQueueLocked()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// fireScheduled runs when a staggered start's timer elapses. The start
// may have been reclaimed by Pause in the meantime, slots may have been
// filled, or the pool cancelled; each case returns the test to where it
// belongs instead of executing.
func (p *Pool) fireScheduled(entry *scheduledStart) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.removeScheduledLocked(entry) {
		// Reclaimed by Pause; nothing to do
		return
	}
	defer p.cond.Broadcast()

	if p.cancelled {
		return
	}
	if p.paused || p.executing >= p.parallelism {
		p.backlog = append([]models.Test{entry.test}, p.backlog...)
		p.emitQueueLocked()
		return
	}

	p.startLocked(entry.test)
	p.emitQueueLocked()
}

func (p *Pool) removeScheduledLocked(entry *scheduledStart) bool {
	for i, e := range p.scheduled {
		if e == entry {
			p.scheduled = append(p.scheduled[:i], p.scheduled[i+1:]...)
			return true
		}
	}
	return false
}

// Pause halts new starts. Starts that were only scheduled are returned
// to the front of the backlog in their original order; in-flight probes
// are left to finish.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.reclaimScheduledLocked()
	p.emitQueueLocked()
	p.cond.Broadcast()
}

// reclaimScheduledLocked stops pending stagger timers and returns their
// tests to the backlog front, preserving enqueue order.
func (p *Pool) reclaimScheduledLocked() {
	if len(p.scheduled) == 0 {
		return
	}
	reclaimed := make([]models.Test, 0, len(p.scheduled))
	for _, entry := range p.scheduled {
		entry.timer.Stop()
		reclaimed = append(reclaimed, entry.test)
	}
	p.scheduled = nil
	p.backlog = append(reclaimed, p.backlog...)
}

// Resume releases a pause and restarts the drive loop if needed.
func (p *Pool) Resume() {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = false
	p.cond.Broadcast()
	needDrive := !p.driving && len(p.backlog) > 0
	p.mu.Unlock()

	if needDrive {
		p.Drive()
	}
}

// Cancel empties the backlog, aborts every in-flight probe's transfer
// and blocks until all of them have settled. Once settled the pool is
// reset and ready for reuse.
func (p *Pool) Cancel() {
	p.mu.Lock()
	p.backlog = nil
	p.paused = false
	p.cancelled = true
	for _, entry := range p.scheduled {
		entry.timer.Stop()
	}
	p.scheduled = nil
	cancel := p.runCancel
	p.emitQueueLocked()
	p.cond.Broadcast()
	p.mu.Unlock()

	// Abort in-flight transfers, then wait for every probe to settle
	cancel()

	p.mu.Lock()
	for p.executing > 0 || p.driving {
		p.cond.Wait()
	}
	p.cancelled = false
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	p.mu.Unlock()
}

// SetParallelism clamps n to [MinParallel, MaxParallel] and applies it.
func (p *Pool) SetParallelism(n int) {
	clamped := n
	if clamped < MinParallel {
		clamped = MinParallel
	}
	if clamped > MaxParallel {
		clamped = MaxParallel
	}

	p.mu.Lock()
	p.parallelism = clamped
	p.cond.Broadcast()
	p.mu.Unlock()

	p.logger.Info("pool parallelism updated",
		interfaces.Int("parallelism", clamped),
		interfaces.Int("requested", n))
}

// ClearQueue empties the backlog without affecting in-flight probes.
func (p *Pool) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backlog = nil
	p.emitQueueLocked()
}

// Status is a point-in-time snapshot of the pool.
type Status struct {
	QueueLength int
	Executing   int
	Scheduled   int
	Parallelism int
	Driving     bool
	Paused      bool
	Cancelled   bool
}

// Snapshot returns the pool's current state.
func (p *Pool) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		QueueLength: len(p.backlog),
		Executing:   p.executing,
		Scheduled:   len(p.scheduled),
		Parallelism: p.parallelism,
		Driving:     p.driving,
		Paused:      p.paused,
		Cancelled:   p.cancelled,
	}
}

// spreadWindow returns the stagger window for a multi-start batch:
// the explicit override when configured, otherwise the probe duration,
// clamped to [minSpread, maxSpread]. Zero disables staggering.
func (p *Pool) spreadWindow() time.Duration {
	spread := p.spreadOverride
	if spread <= 0 {
		spread = p.defaultDuration
	}
	if spread <= 0 {
		return 0
	}
	if spread < minSpread {
		spread = minSpread
	}
	if spread > maxSpread {
		spread = maxSpread
	}
	return spread
}

// emitQueueLocked publishes a queue depth update. Caller holds p.mu.
func (p *Pool) emitQueueLocked() {
	p.bus.PublishAsync(context.Background(), events.NewEvent(events.EventTypeQueueUpdated, map[string]interface{}{
		"queue_length": len(p.backlog),
		"active_tests": p.executing,
		"scheduled":    len(p.scheduled),
	}))
}
