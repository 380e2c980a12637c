package domain

import (
	"context"
	"strings"
	"time"
)

// ScheduleKind determines how a schedule's trigger is evaluated.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"     // calendar expression
	ScheduleInterval ScheduleKind = "interval" // fixed interval in minutes, swept periodically
	ScheduleOnce     ScheduleKind = "once"     // single fire at a fixed instant
)

// Priority orders queued task runs. Higher urgency executes first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the ordering weight of a priority; lower weight means
// higher urgency. Unknown values sort with normal.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// LocalZonePrefix marks a timezone that was resolved from the caller's device
// at creation time. The stored form keeps the marker; evaluation uses the
// concrete IANA zone after the prefix.
const LocalZonePrefix = "local::"

// Schedule is a persisted, user-owned task definition: a prompt plus a
// trigger plus a delivery configuration.
type Schedule struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	AgentID   string       `json:"agent_id"`
	AgentName string       `json:"agent_name,omitempty"`
	SkillName string       `json:"skill_name,omitempty"` // optional link to a skill whose counters track runs
	Kind      ScheduleKind `json:"kind"`

	Expression      string     `json:"expression,omitempty"`       // cron kind
	IntervalMinutes int        `json:"interval_minutes,omitempty"` // interval kind
	RunAt           *time.Time `json:"run_at,omitempty"`           // once kind
	Timezone        string     `json:"timezone,omitempty"`         // IANA zone or "local::<IANA>"

	Enabled    bool     `json:"enabled"`
	Priority   Priority `json:"priority,omitempty"`
	MaxRetries int      `json:"max_retries"`
	TimeoutMs  int64    `json:"timeout_ms"`

	PromptTemplate string              `json:"prompt_template"`
	Variables      map[string]string   `json:"variables,omitempty"`
	ContextSources []ContextSourceSpec `json:"context_sources,omitempty"`

	Delivery       DeliveryConfig `json:"delivery"`
	NewSessionPerRun bool         `json:"new_session_per_run"`
	SessionID      string         `json:"session_id,omitempty"` // reused session when NewSessionPerRun is false

	PausedAt    *time.Time `json:"paused_at,omitempty"`
	PausedUntil *time.Time `json:"paused_until,omitempty"` // nil while paused = indefinite, never auto-resumed
	PauseReason string     `json:"pause_reason,omitempty"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConcreteTimezone returns the IANA zone to evaluate the schedule in,
// stripping the local:: marker when present. Empty means UTC.
func (s *Schedule) ConcreteTimezone() string {
	return strings.TrimPrefix(s.Timezone, LocalZonePrefix)
}

// Paused reports whether the schedule is currently paused.
func (s *Schedule) Paused() bool { return s.PausedAt != nil }

// ScheduleStore provides persistent storage for schedules.
// Run-time fields (LastRunAt, NextRunAt, pause bookkeeping) must be
// updatable atomically without rewriting the whole row.
type ScheduleStore interface {
	Save(ctx context.Context, s Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	List(ctx context.Context) ([]Schedule, error)
	ListEnabled(ctx context.Context) ([]Schedule, error)
	// ListIntervalDue returns enabled interval schedules whose NextRunAt is
	// null or at/before now. Paused schedules are excluded.
	ListIntervalDue(ctx context.Context, now time.Time) ([]Schedule, error)
	// ListPauseExpired returns schedules whose PausedUntil is at/before now.
	ListPauseExpired(ctx context.Context, now time.Time) ([]Schedule, error)
	Delete(ctx context.Context, id string) error
	SetRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error
	ClearPause(ctx context.Context, id string) error
}
