// Package usecase exposes the engine facade tying the trigger registry and
// the task queue to the persistence layer.
package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"taskmill/internal/domain"
	"taskmill/internal/usecase/queue"
	"taskmill/internal/usecase/scheduling"
)

// Engine is the single entry point for managing schedules and runs. It keeps
// the persisted definition and the live trigger registry in step.
type Engine struct {
	schedules domain.ScheduleStore
	runs      domain.RunStore
	scheduler *scheduling.Service
	queue     *queue.TaskQueue
	logger    *slog.Logger
}

// Status aggregates engine health for monitoring surfaces.
type Status struct {
	Scheduler scheduling.Status `json:"scheduler"`
	Queue     queue.Stats       `json:"queue"`
}

// NewEngine creates the engine facade.
func NewEngine(schedules domain.ScheduleStore, runs domain.RunStore,
	scheduler *scheduling.Service, q *queue.TaskQueue, logger *slog.Logger) *Engine {
	return &Engine{
		schedules: schedules,
		runs:      runs,
		scheduler: scheduler,
		queue:     q,
		logger:    logger,
	}
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// validate checks a schedule definition before it is persisted.
func validate(sched *domain.Schedule) error {
	if sched.Name == "" {
		return domain.NewDomainError("engine.validate", domain.ErrInvalidInput, "name is required")
	}
	if sched.AgentID == "" {
		return domain.NewDomainError("engine.validate", domain.ErrInvalidInput, "agent_id is required")
	}
	if sched.PromptTemplate == "" {
		return domain.NewDomainError("engine.validate", domain.ErrInvalidInput, "prompt_template is required")
	}

	switch sched.Kind {
	case domain.ScheduleCron:
		if _, err := cronParser.Parse(sched.Expression); err != nil {
			return domain.NewDomainError("engine.validate", domain.ErrBadExpression,
				fmt.Sprintf("%q: %v", sched.Expression, err))
		}
	case domain.ScheduleInterval:
		if sched.IntervalMinutes < 1 {
			return domain.NewDomainError("engine.validate", domain.ErrInvalidInput,
				"interval_minutes must be >= 1")
		}
	case domain.ScheduleOnce:
		if sched.RunAt == nil {
			return domain.NewDomainError("engine.validate", domain.ErrInvalidInput,
				"run_at is required for once schedules")
		}
	default:
		return domain.NewDomainError("engine.validate", domain.ErrInvalidInput,
			fmt.Sprintf("unknown kind %q", sched.Kind))
	}

	if tz := sched.ConcreteTimezone(); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return domain.NewDomainError("engine.validate", domain.ErrInvalidInput,
				fmt.Sprintf("unknown timezone %q", tz))
		}
	}
	return nil
}

// CreateSchedule validates, persists, and arms a new schedule. The caller
// may leave ID empty; a ULID is assigned.
func (e *Engine) CreateSchedule(ctx context.Context, sched domain.Schedule) (*domain.Schedule, error) {
	if err := validate(&sched); err != nil {
		return nil, err
	}
	if sched.ID == "" {
		sched.ID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	}
	now := time.Now()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	if err := e.schedules.Save(ctx, sched); err != nil {
		return nil, err
	}
	if err := e.scheduler.RegisterSchedule(ctx, sched); err != nil {
		e.logger.Error("failed to arm new schedule", "schedule_id", sched.ID, "error", err)
	}

	e.logger.Info("schedule created", "schedule_id", sched.ID, "name", sched.Name, "kind", sched.Kind)
	return &sched, nil
}

// UpdateSchedule validates and persists changes to an existing schedule,
// then re-arms its trigger.
func (e *Engine) UpdateSchedule(ctx context.Context, sched domain.Schedule) (*domain.Schedule, error) {
	existing, err := e.schedules.Get(ctx, sched.ID)
	if err != nil {
		return nil, err
	}
	if err := validate(&sched); err != nil {
		return nil, err
	}
	sched.CreatedAt = existing.CreatedAt
	sched.UpdatedAt = time.Now()

	if err := e.schedules.Save(ctx, sched); err != nil {
		return nil, err
	}
	if err := e.scheduler.ReloadSchedule(ctx, sched.ID); err != nil {
		e.logger.Error("failed to re-arm schedule", "schedule_id", sched.ID, "error", err)
	}
	return &sched, nil
}

// DeleteSchedule removes a schedule and tears down its trigger.
func (e *Engine) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := e.schedules.Get(ctx, id); err != nil {
		return err
	}
	if err := e.schedules.Delete(ctx, id); err != nil {
		return err
	}
	// Reload on a deleted row disarms the trigger.
	if err := e.scheduler.ReloadSchedule(ctx, id); err != nil {
		e.logger.Error("failed to disarm deleted schedule", "schedule_id", id, "error", err)
	}
	e.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// GetSchedule returns a schedule by ID.
func (e *Engine) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	return e.schedules.Get(ctx, id)
}

// ListSchedules returns all schedules.
func (e *Engine) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return e.schedules.List(ctx)
}

// PauseSchedule suspends firing until the given time, or indefinitely when
// until is nil.
func (e *Engine) PauseSchedule(ctx context.Context, id string, until *time.Time, reason string) error {
	return e.scheduler.PauseSchedule(ctx, id, until, reason)
}

// ResumeSchedule clears a pause and re-arms the trigger.
func (e *Engine) ResumeSchedule(ctx context.Context, id string) error {
	return e.scheduler.ResumeSchedule(ctx, id)
}

// TriggerNow fires a schedule immediately, outside its normal cadence.
func (e *Engine) TriggerNow(ctx context.Context, id string) error {
	if _, err := e.schedules.Get(ctx, id); err != nil {
		return err
	}
	return e.scheduler.TriggerTask(ctx, id)
}

// CancelRun cancels a queued, retry-pending, or running task run.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	return e.queue.Cancel(ctx, runID)
}

// GetRun returns a task run by ID.
func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.TaskRun, error) {
	return e.runs.Get(ctx, runID)
}

// ListRuns returns the recent run history for a schedule.
func (e *Engine) ListRuns(ctx context.Context, scheduleID string, limit int) ([]domain.TaskRun, error) {
	return e.runs.ListBySchedule(ctx, scheduleID, limit)
}

// Status reports scheduler and queue health.
func (e *Engine) Status() Status {
	return Status{
		Scheduler: e.scheduler.Status(),
		Queue:     e.queue.GetStats(),
	}
}
