package queue

import (
	"time"

	"taskmill/internal/domain"
)

// QueuedTask is the ephemeral, in-memory unit of work: a task run plus the
// execution parameters of its schedule. Never persisted; reconstructed from
// the run and schedule rows if the process restarts mid-flight.
type QueuedTask struct {
	RunID        string
	ScheduleID   string
	ScheduleName string
	AgentID      string
	AgentName    string
	SkillName    string

	Prompt         string
	ContextSources []domain.ContextSourceSpec
	Priority       domain.Priority
	MaxRetries     int
	Timeout        time.Duration
	NewSession     bool
	SessionID      string
	Delivery       domain.DeliveryConfig

	Attempt    int
	EnqueuedAt time.Time
}

// newQueuedTask derives a QueuedTask from a run and its schedule.
func newQueuedTask(run domain.TaskRun, sched domain.Schedule) *QueuedTask {
	return &QueuedTask{
		RunID:          run.ID,
		ScheduleID:     sched.ID,
		ScheduleName:   sched.Name,
		AgentID:        sched.AgentID,
		AgentName:      sched.AgentName,
		SkillName:      sched.SkillName,
		Prompt:         run.ResolvedPrompt,
		ContextSources: sched.ContextSources,
		Priority:       sched.Priority,
		MaxRetries:     sched.MaxRetries,
		Timeout:        time.Duration(sched.TimeoutMs) * time.Millisecond,
		NewSession:     sched.NewSessionPerRun,
		SessionID:      sched.SessionID,
		Delivery:       sched.Delivery,
		Attempt:        run.AttemptNumber,
		EnqueuedAt:     time.Now(),
	}
}

// backoffDelay computes the retry delay after a failure on the given attempt:
// base × 2^(attempt−1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// summarize trims text to a short result summary.
func summarize(text string) string {
	const maxSummary = 500
	runes := []rune(text)
	if len(runes) <= maxSummary {
		return text
	}
	return string(runes[:maxSummary]) + "…"
}
