package domain

import (
	"context"
	"time"
)

// Skill tracks aggregate execution counters for schedules linked to a named
// skill. The queue bumps counters when such a run reaches a terminal state.
type Skill struct {
	Name         string     `json:"name"`
	RunCount     int        `json:"run_count"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
}

// SkillStore persists skill counters.
type SkillStore interface {
	Get(ctx context.Context, name string) (*Skill, error)
	// RecordRun increments run and success/failure counters atomically,
	// creating the skill row on first use.
	RecordRun(ctx context.Context, name string, success bool) error
}
