package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"taskmill/internal/domain"
)

// Enqueuer abstracts the task queue so the scheduler does not depend on the
// concrete queue type. The queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, run domain.TaskRun, sched domain.Schedule) error
	Size() int
}

// Config holds scheduler tuning knobs.
type Config struct {
	// SweepInterval bounds how late interval-kind schedules and pause
	// expirations are noticed. Default 60s.
	SweepInterval time.Duration
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	IsRunning          bool `json:"is_running"`
	ActiveTriggerCount int  `json:"active_trigger_count"`
	QueueSize          int  `json:"queue_size"`
}

// Service owns the mapping from enabled schedules to live trigger handles
// and converts trigger fires into task runs. At most one live handle exists
// per enabled schedule; disabling or deleting a schedule tears its handle
// down.
//
// Interval-kind schedules never get a live handle: the periodic sweep picks
// them up, so their accuracy is bounded by SweepInterval.
type Service struct {
	store  domain.ScheduleStore
	runs   domain.RunStore
	queue  Enqueuer
	logger *slog.Logger

	sweepInterval time.Duration

	cron    *cron.Cron
	parser  cron.Parser
	entries map[string]cron.EntryID // schedule ID → live trigger handle

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a scheduler service. Start must be called before
// triggers fire.
func NewService(store domain.ScheduleStore, runs domain.RunStore, queue Enqueuer, cfg Config, logger *slog.Logger) *Service {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Service{
		store:         store,
		runs:          runs,
		queue:         queue,
		logger:        logger,
		sweepInterval: interval,
		cron:          cron.New(),
		parser:        cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:       make(map[string]cron.EntryID),
	}
}

// Start loads all enabled schedules, arms a trigger for each, and starts the
// periodic sweep. Registration failures are logged and leave that schedule
// unarmed; they are not fatal to the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true

	schedules, err := s.store.ListEnabled(s.ctx)
	if err != nil {
		return domain.WrapOp("scheduler: load schedules", err)
	}
	armed := 0
	for _, sched := range schedules {
		if err := s.registerLocked(s.ctx, sched); err != nil {
			s.logger.Warn("failed to arm schedule", "schedule_id", sched.ID, "name", sched.Name, "error", err)
			continue
		}
		armed++
	}
	s.logger.Info("scheduler started", "schedules", len(schedules), "armed", armed, "sweep_interval", s.sweepInterval)

	s.wg.Add(1)
	go s.sweepLoop()

	return nil
}

// Stop tears down all trigger handles and waits for in-flight fires to
// hand off to the queue.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// Status reports the current scheduler state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		IsRunning:          s.started,
		ActiveTriggerCount: len(s.entries),
		QueueSize:          s.queue.Size(),
	}
}

// RegisterSchedule arms (or re-arms) the trigger for one schedule. Any
// existing handle for the same ID is torn down first. Disabled or paused
// schedules end up unarmed.
func (s *Service) RegisterSchedule(ctx context.Context, sched domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(ctx, sched)
}

func (s *Service) registerLocked(ctx context.Context, sched domain.Schedule) error {
	if entryID, ok := s.entries[sched.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, sched.ID)
	}

	if !sched.Enabled || sched.Paused() {
		return nil
	}

	switch sched.Kind {
	case domain.ScheduleCron:
		return s.armCronLocked(ctx, sched)
	case domain.ScheduleOnce:
		return s.armOnceLocked(sched)
	case domain.ScheduleInterval:
		// No live handle: the sweep owns interval schedules.
		return nil
	default:
		return domain.NewDomainError("scheduler.register", domain.ErrInvalidInput,
			fmt.Sprintf("unknown schedule kind %q", sched.Kind))
	}
}

func (s *Service) armCronLocked(ctx context.Context, sched domain.Schedule) error {
	// The stored timezone may carry the local:: marker; evaluation uses the
	// concrete zone while the stored field keeps the marker.
	spec := sched.Expression
	if zone := sched.ConcreteTimezone(); zone != "" {
		spec = "CRON_TZ=" + zone + " " + spec
	}

	cronSched, err := s.parser.Parse(spec)
	if err != nil {
		return domain.NewDomainError("scheduler.register", domain.ErrBadExpression, err.Error())
	}

	id := sched.ID
	entryID := s.cron.Schedule(cronSched, cron.FuncJob(func() { s.fire(id, false) }))
	s.entries[id] = entryID

	next := cronSched.Next(time.Now())
	if err := s.store.SetRunTimes(ctx, id, nil, &next); err != nil {
		s.logger.Warn("failed to record next run time", "schedule_id", id, "error", err)
	}
	s.logger.Info("schedule armed", "schedule_id", id, "kind", "cron", "expression", sched.Expression, "next_run_at", next)
	return nil
}

func (s *Service) armOnceLocked(sched domain.Schedule) error {
	if sched.RunAt == nil {
		return domain.NewDomainError("scheduler.register", domain.ErrInvalidInput, "once schedule missing run_at")
	}
	// Past-due one-time schedules are never armed; stale fires are dropped
	// rather than executed late.
	if !sched.RunAt.After(time.Now()) {
		s.logger.Info("skipping stale one-time schedule", "schedule_id", sched.ID, "run_at", sched.RunAt)
		return nil
	}

	id := sched.ID
	entryID := s.cron.Schedule(newFireOnce(*sched.RunAt), cron.FuncJob(func() { s.fire(id, true) }))
	s.entries[id] = entryID
	s.logger.Info("schedule armed", "schedule_id", id, "kind", "once", "run_at", sched.RunAt)
	return nil
}

// fire converts a trigger fire into a task run. oneShot handles tear
// themselves down after firing.
func (s *Service) fire(id string, oneShot bool) {
	s.mu.Lock()
	ctx := s.ctx
	if oneShot {
		if entryID, ok := s.entries[id]; ok {
			s.cron.Remove(entryID)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	if ctx == nil {
		return
	}
	if err := s.TriggerTask(ctx, id); err != nil {
		s.logger.Error("trigger fire failed", "schedule_id", id, "error", err)
	}
}

// TriggerTask creates a pending task run for the schedule and enqueues it.
// Missing or disabled schedules no-op. Manual runs use this same path.
func (s *Service) TriggerTask(ctx context.Context, id string) error {
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Debug("trigger for unknown schedule", "schedule_id", id)
			return nil
		}
		return domain.WrapOp("scheduler.trigger", err)
	}
	if !sched.Enabled {
		s.logger.Debug("trigger for disabled schedule", "schedule_id", id)
		return nil
	}

	now := time.Now()
	run := domain.TaskRun{
		ID:           newID(),
		ScheduleID:   sched.ID,
		Status:       domain.RunPending,
		ScheduledFor: now,
		AttemptNumber: 1,
		ResolvedPrompt: ResolveTemplate(sched.PromptTemplate, TemplateContext{
			Now:       now,
			AgentName: sched.AgentName,
			LastRun:   sched.LastRunAt,
			Variables: sched.Variables,
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.runs.Create(ctx, &run); err != nil {
		return domain.WrapOp("scheduler.trigger: create run", err)
	}
	if err := s.queue.Enqueue(ctx, run, *sched); err != nil {
		return domain.WrapOp("scheduler.trigger: enqueue", err)
	}
	if err := s.store.SetRunTimes(ctx, sched.ID, &now, nil); err != nil {
		s.logger.Warn("failed to stamp last run time", "schedule_id", sched.ID, "error", err)
	}

	s.logger.Info("schedule fired", "schedule_id", sched.ID, "run_id", run.ID, "name", sched.Name)
	return nil
}

// ReloadSchedule re-reads one schedule and re-arms (or disarms) its trigger.
// Called after external edits; a deleted schedule is simply disarmed.
func (s *Service) ReloadSchedule(ctx context.Context, id string) error {
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.mu.Lock()
			if entryID, ok := s.entries[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entries, id)
				s.logger.Info("schedule disarmed", "schedule_id", id)
			}
			s.mu.Unlock()
			return nil
		}
		return domain.WrapOp("scheduler.reload", err)
	}
	return s.RegisterSchedule(ctx, *sched)
}

// PauseSchedule pauses a schedule and tears down its trigger. A nil until
// pauses indefinitely; otherwise the sweep auto-resumes it once until has
// passed.
func (s *Service) PauseSchedule(ctx context.Context, id string, until *time.Time, reason string) error {
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.WrapOp("scheduler.pause", err)
	}
	now := time.Now()
	sched.PausedAt = &now
	sched.PausedUntil = until
	sched.PauseReason = reason
	sched.UpdatedAt = now
	if err := s.store.Save(ctx, *sched); err != nil {
		return domain.WrapOp("scheduler.pause", err)
	}
	return s.RegisterSchedule(ctx, *sched) // paused → disarms
}

// ResumeSchedule clears pause state and re-arms the trigger.
func (s *Service) ResumeSchedule(ctx context.Context, id string) error {
	if err := s.store.ClearPause(ctx, id); err != nil {
		return domain.WrapOp("scheduler.resume", err)
	}
	return s.ReloadSchedule(ctx, id)
}

// HasTrigger reports whether a live trigger handle exists for the schedule.
func (s *Service) HasTrigger(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// --- sweep ---

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(s.ctx, now)
		}
	}
}

// Sweep triggers due interval schedules, auto-resumes expired pauses, and
// re-arms enabled cron/once schedules that lost their handle (e.g. after a
// transient registration failure).
func (s *Service) Sweep(ctx context.Context, now time.Time) {
	due, err := s.store.ListIntervalDue(ctx, now)
	if err != nil {
		s.logger.Warn("sweep: list due interval schedules", "error", err)
	}
	for _, sched := range due {
		if err := s.TriggerTask(ctx, sched.ID); err != nil {
			s.logger.Error("sweep: trigger interval schedule", "schedule_id", sched.ID, "error", err)
			continue
		}
		next := now.Add(time.Duration(sched.IntervalMinutes) * time.Minute)
		if err := s.store.SetRunTimes(ctx, sched.ID, nil, &next); err != nil {
			s.logger.Warn("sweep: record next run time", "schedule_id", sched.ID, "error", err)
		}
	}

	expired, err := s.store.ListPauseExpired(ctx, now)
	if err != nil {
		s.logger.Warn("sweep: list expired pauses", "error", err)
	}
	for _, sched := range expired {
		if err := s.ResumeSchedule(ctx, sched.ID); err != nil {
			s.logger.Error("sweep: auto-resume", "schedule_id", sched.ID, "error", err)
			continue
		}
		s.logger.Info("schedule auto-resumed", "schedule_id", sched.ID, "paused_until", sched.PausedUntil)
	}

	s.recoverUnarmed(ctx)
}

// recoverUnarmed re-registers enabled cron/once schedules without a live
// handle. Stale once schedules remain unarmed by policy.
func (s *Service) recoverUnarmed(ctx context.Context) {
	enabled, err := s.store.ListEnabled(ctx)
	if err != nil {
		s.logger.Warn("sweep: list enabled schedules", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range enabled {
		if sched.Kind == domain.ScheduleInterval || sched.Paused() {
			continue
		}
		if _, ok := s.entries[sched.ID]; ok {
			continue
		}
		// Once-kind handles are consumed on fire; only re-arm future ones.
		if sched.Kind == domain.ScheduleOnce && (sched.RunAt == nil || !sched.RunAt.After(time.Now())) {
			continue
		}
		if err := s.registerLocked(ctx, sched); err != nil {
			s.logger.Warn("sweep: re-arm schedule", "schedule_id", sched.ID, "error", err)
		}
	}
}

// newID generates a monotonic ULID.
func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// fireOnce is a cron.Schedule that fires once at a fixed instant.
// Thread-safe via atomic.
type fireOnce struct {
	at   time.Time
	done atomic.Bool
}

func newFireOnce(at time.Time) *fireOnce { return &fireOnce{at: at} }

func (f *fireOnce) Next(t time.Time) time.Time {
	if f.done.Load() || t.After(f.at) {
		f.done.Store(true)
		return time.Time{} // zero value = never fire again
	}
	f.done.Store(true)
	return f.at
}
