package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamprobe/streamprobe/internal/runner"
	"github.com/streamprobe/streamprobe/pkg/errors"
	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/interfaces"
	"github.com/streamprobe/streamprobe/pkg/models"
)

const (
	// DefaultTickInterval is how often due schedules are polled
	DefaultTickInterval = 30 * time.Second

	defaultTimeOfDay = "03:00"
)

// ScheduleRepository persists recurring-run definitions.
type ScheduleRepository interface {
	Create(ctx context.Context, schedule *models.Schedule) error
	Update(ctx context.Context, schedule *models.Schedule) error
	Get(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*models.Schedule, error)
}

// DeviceRepository resolves a schedule's device ids into profiles.
type DeviceRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error)
}

// RunLauncher is the orchestrator surface the scheduler fires runs
// through.
type RunLauncher interface {
	CreateRun(ctx context.Context, params runner.CreateRunParams) (*models.Run, error)
	StartRun(ctx context.Context, id uuid.UUID) error
}

// Scheduler polls persisted schedules and launches a run whenever one
// comes due. Due-ness is carried entirely by NextRunAt, so a restart
// never loses or double-fires a schedule.
type Scheduler struct {
	schedules ScheduleRepository
	devices   DeviceRepository
	launcher  RunLauncher
	bus       interfaces.EventBus
	logger    interfaces.Logger
	tick      time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler creates a scheduler. A non-positive tick falls back to
// DefaultTickInterval.
func NewScheduler(schedules ScheduleRepository, devices DeviceRepository, launcher RunLauncher, bus interfaces.EventBus, logger interfaces.Logger, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Scheduler{
		schedules: schedules,
		devices:   devices,
		launcher:  launcher,
		bus:       bus,
		logger:    logger,
		tick:      tick,
	}
}

// Start begins the polling loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
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
	s.logger.Info("scheduler started", interfaces.Duration("tick", s.tick))
}

// Stop halts the polling loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
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
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx, time.Now())
		}
	}
}

// fireDue launches a run for every enabled schedule whose NextRunAt has
// passed, then advances its NextRunAt.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	all, err := s.schedules.List(ctx)
	if err != nil {
		s.logger.Error("failed to list schedules", interfaces.Error(err))
		return
	}

	for _, schedule := range all {
		if !schedule.Enabled {
			continue
		}
		// Rows created outside CreateSchedule may carry no trigger yet;
		// stamp one so they join the rotation
		if schedule.NextRunAt == nil {
			next := ComputeNextRun(now, schedule.Frequency, schedule.DayOfWeek, schedule.TimeOfDay)
			schedule.NextRunAt = &next
			if err := s.schedules.Update(ctx, schedule); err != nil {
				s.logger.Error("failed to stamp schedule trigger",
					interfaces.String("schedule_id", schedule.ID.String()),
					interfaces.Error(err))
			}
			continue
		}
		if schedule.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, schedule, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, schedule *models.Schedule, now time.Time) {
	// Advance the trigger first so a launch failure cannot make the
	// schedule fire on every subsequent tick
	next := ComputeNextRun(now, schedule.Frequency, schedule.DayOfWeek, schedule.TimeOfDay)
	schedule.LastRunAt = &now
	schedule.NextRunAt = &next
	if err := s.schedules.Update(ctx, schedule); err != nil {
		s.logger.Error("failed to advance schedule",
			interfaces.String("schedule_id", schedule.ID.String()),
			interfaces.Error(err))
		return
	}

	devices, err := s.resolveDevices(ctx, schedule.DeviceIDs)
	if err != nil {
		s.logger.Error("schedule has no usable devices",
			interfaces.String("schedule_id", schedule.ID.String()),
			interfaces.Error(err))
		return
	}

	run, err := s.launcher.CreateRun(ctx, runner.CreateRunParams{
		Name:    fmt.Sprintf("%s @ %s", schedule.Name, now.Format("2006-01-02 15:04")),
		Devices: devices,
		Scope: models.Scope{
			Type:       schedule.MediaScope,
			LibraryIDs: schedule.LibraryIDs,
			Days:       schedule.MediaDays,
		},
		TestDuration: schedule.TestDuration,
		Parallelism:  schedule.Parallelism,
	})
	if err != nil {
		s.logger.Error("failed to create scheduled run",
			interfaces.String("schedule_id", schedule.ID.String()),
			interfaces.Error(err))
		return
	}
	if err := s.launcher.StartRun(ctx, run.ID); err != nil {
		s.logger.Error("failed to start scheduled run",
			interfaces.String("schedule_id", schedule.ID.String()),
			interfaces.String("run_id", run.ID.String()),
			interfaces.Error(err))
		return
	}

	s.logger.Info("schedule fired",
		interfaces.String("schedule_id", schedule.ID.String()),
		interfaces.String("run_id", run.ID.String()),
		interfaces.String("next_run", next.Format(time.RFC3339)))
	s.bus.PublishAsync(ctx, events.NewAggregateEvent(events.EventTypeScheduleFired, schedule.ID.String(), map[string]interface{}{
		"run_id":   run.ID.String(),
		"next_run": next.Format(time.RFC3339),
	}))
}

// resolveDevices loads profiles tolerantly; a missing device is logged
// and skipped, but zero resolved devices is an error.
func (s *Scheduler) resolveDevices(ctx context.Context, ids []uuid.UUID) ([]models.DeviceProfile, error) {
	devices := make([]models.DeviceProfile, 0, len(ids))
	for _, id := range ids {
		device, err := s.devices.Get(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unknown device on schedule",
				interfaces.String("device_id", id.String()),
				interfaces.Error(err))
			continue
		}
		devices = append(devices, *device)
	}
	if len(devices) == 0 {
		return nil, errors.BadRequest("no device profiles resolved")
	}
	return devices, nil
}

// CreateSchedule validates, stamps NextRunAt and persists a schedule.
func (s *Scheduler) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	if err := validate(schedule); err != nil {
		return err
	}
	if schedule.ID == uuid.Nil {
		schedule.ID = uuid.New()
	}
	schedule.CreatedAt = time.Now()
	next := ComputeNextRun(time.Now(), schedule.Frequency, schedule.DayOfWeek, schedule.TimeOfDay)
	schedule.NextRunAt = &next
	return s.schedules.Create(ctx, schedule)
}

// UpdateSchedule validates, recomputes NextRunAt and persists changes.
func (s *Scheduler) UpdateSchedule(ctx context.Context, schedule *models.Schedule) error {
	if err := validate(schedule); err != nil {
		return err
	}
	next := ComputeNextRun(time.Now(), schedule.Frequency, schedule.DayOfWeek, schedule.TimeOfDay)
	schedule.NextRunAt = &next
	return s.schedules.Update(ctx, schedule)
}

// DeleteSchedule removes a schedule.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	return s.schedules.Delete(ctx, id)
}

// ListSchedules returns every schedule.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	return s.schedules.List(ctx)
}

func validate(schedule *models.Schedule) error {
	switch schedule.Frequency {
	case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyEvery6h, models.FrequencyEvery12h:
	default:
		return errors.BadRequest(fmt.Sprintf("unknown frequency: %s", schedule.Frequency))
	}
	if schedule.Frequency == models.FrequencyWeekly {
		if schedule.DayOfWeek == nil || *schedule.DayOfWeek < 0 || *schedule.DayOfWeek > 6 {
			return errors.BadRequest("weekly schedule requires day_of_week in 0..6")
		}
	}
	if schedule.TimeOfDay != "" {
		if _, _, err := parseTimeOfDay(schedule.TimeOfDay); err != nil {
			return errors.BadRequest(fmt.Sprintf("invalid time_of_day: %s", schedule.TimeOfDay))
		}
	}
	if len(schedule.DeviceIDs) == 0 {
		return errors.BadRequest("schedule requires at least one device")
	}
	return nil
}

// ComputeNextRun returns the first trigger time strictly after now for
// the given recurrence rule. All frequencies anchor on today's TimeOfDay
// in now's location: daily rolls a passed candidate to tomorrow, weekly
// pins it to DayOfWeek (0 = Sunday), and the interval frequencies add
// their interval once when the candidate has passed.
func ComputeNextRun(now time.Time, frequency models.Frequency, dayOfWeek *int, timeOfDay string) time.Time {
	hour, minute, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		hour, minute, _ = parseTimeOfDay(defaultTimeOfDay)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	switch frequency {
	case models.FrequencyEvery6h:
		if !next.After(now) {
			next = next.Add(6 * time.Hour)
		}
		return next
	case models.FrequencyEvery12h:
		if !next.After(now) {
			next = next.Add(12 * time.Hour)
		}
		return next
	}

	if frequency == models.FrequencyWeekly {
		target := time.Sunday
		if dayOfWeek != nil {
			target = time.Weekday(*dayOfWeek % 7)
		}
		for next.Weekday() != target {
			next = next.AddDate(0, 0, 1)
		}
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}

	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func parseTimeOfDay(value string) (hour, minute int, err error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}
