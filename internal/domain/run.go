package domain

import (
	"context"
	"time"
)

// RunStatus tracks a task run through its lifecycle:
// pending → queued → running → {succeeded | failed | cancelled | timeout}.
// running → pending is permitted only as a retry re-entry.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status is final. Terminal runs are never
// mutated again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// TaskRun records one firing attempt of a schedule. Exactly one row exists
// per firing even across retries; retries increment AttemptNumber on the
// same logical run.
//
// Ownership: created by the scheduler at fire time, mutated exclusively by
// the task queue from queued onward.
type TaskRun struct {
	ID         string    `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	Status     RunStatus `json:"status"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`

	AttemptNumber  int    `json:"attempt_number"`
	ResolvedPrompt string `json:"resolved_prompt"`
	SessionID      string `json:"session_id,omitempty"`
	ResultSummary  string `json:"result_summary,omitempty"`
	Error          string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStore provides persistent storage for task runs. Updates must be
// atomic so the status and its companion fields land together.
type RunStore interface {
	Create(ctx context.Context, run *TaskRun) error
	Get(ctx context.Context, id string) (*TaskRun, error)
	Update(ctx context.Context, run *TaskRun) error
	ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]TaskRun, error)
	// ListActive returns runs in a non-terminal state, used for recovery
	// after a restart.
	ListActive(ctx context.Context) ([]TaskRun, error)
}
