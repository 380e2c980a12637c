package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"taskmill/internal/domain"
)

// Deliverer routes a completed run's payload to its configured channel.
// Dispatch errors are logged by the queue and never affect the run.
type Deliverer interface {
	Dispatch(ctx context.Context, cfg domain.DeliveryConfig, p domain.DeliveryPayload) error
}

// Config holds queue tuning knobs.
type Config struct {
	MaxConcurrent  int           // executions in flight at once; default 1
	TickInterval   time.Duration // dispatch cadence; default 1s
	BaseRetryDelay time.Duration // first retry delay, doubles per attempt; default 5s
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Queued       int `json:"queued"`
	Running      int `json:"running"`
	PendingRetry int `json:"pending_retry"`
}

// inflightTask tracks one running execution so it can be cancelled.
type inflightTask struct {
	cancel        context.CancelFunc
	userCancelled atomic.Bool
}

// retryEntry is a delayed re-enqueue waiting on its timer. Kept in a keyed
// registry so pending retries are observable and cancellable like any other
// queued item.
type retryEntry struct {
	timer *time.Timer
	task  *QueuedTask
}

// TaskQueue executes queued runs against the execution backend with priority
// ordering, bounded concurrency, retry/backoff, and cooperative cancellation.
// It owns every task run mutation from queued onward.
type TaskQueue struct {
	runs     domain.RunStore
	sessions domain.SessionStore
	skills   domain.SkillStore
	executor domain.Executor
	resolver domain.ContextResolver
	delivery Deliverer
	logger   *slog.Logger

	maxConcurrent  int
	tickInterval   time.Duration
	baseRetryDelay time.Duration

	mu          sync.Mutex
	items       []*QueuedTask            // priority-ordered, FIFO within a tier
	inflight    map[string]*inflightTask // run ID → running execution
	retryTimers map[string]*retryEntry   // run ID → pending delayed retry
	running     int
	started     bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a task queue. Start must be called before tasks execute.
func New(runs domain.RunStore, sessions domain.SessionStore, skills domain.SkillStore,
	executor domain.Executor, resolver domain.ContextResolver, delivery Deliverer,
	cfg Config, logger *slog.Logger) *TaskQueue {

	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 5 * time.Second
	}

	return &TaskQueue{
		runs:           runs,
		sessions:       sessions,
		skills:         skills,
		executor:       executor,
		resolver:       resolver,
		delivery:       delivery,
		logger:         logger,
		maxConcurrent:  cfg.MaxConcurrent,
		tickInterval:   cfg.TickInterval,
		baseRetryDelay: cfg.BaseRetryDelay,
		inflight:       make(map[string]*inflightTask),
		retryTimers:    make(map[string]*retryEntry),
	}
}

// Start begins the processing loop.
func (q *TaskQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.loopCtx, q.loopCancel = context.WithCancel(ctx)
	q.started = true

	q.wg.Add(1)
	go q.loop()
	q.logger.Info("task queue started", "max_concurrent", q.maxConcurrent, "tick", q.tickInterval)
}

// Stop stops accepting new ticks, cancels pending retry timers, and blocks
// until all in-flight executions finish. Runs waiting on a retry stay
// pending and are recovered on the next start.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.loopCancel()
	for id, entry := range q.retryTimers {
		entry.timer.Stop()
		delete(q.retryTimers, id)
	}
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("task queue stopped")
}

// Enqueue derives a QueuedTask from the run and schedule and inserts it by
// priority. Implements the scheduler's Enqueuer port.
func (q *TaskQueue) Enqueue(ctx context.Context, run domain.TaskRun, sched domain.Schedule) error {
	task := newQueuedTask(run, sched)

	run.Status = domain.RunQueued
	run.UpdatedAt = time.Now()
	if err := q.runs.Update(ctx, &run); err != nil {
		return domain.WrapOp("queue.enqueue", err)
	}

	q.mu.Lock()
	q.insertLocked(task)
	depth := len(q.items)
	q.mu.Unlock()

	q.logger.Debug("task enqueued", "run_id", task.RunID, "priority", task.Priority, "attempt", task.Attempt, "depth", depth)
	return nil
}

// insertLocked places the task before the first queued item of strictly
// lower priority, preserving FIFO order among equal priorities.
func (q *TaskQueue) insertLocked(task *QueuedTask) {
	pos := len(q.items)
	for i, queued := range q.items {
		if queued.Priority.Weight() > task.Priority.Weight() {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = task
}

// Cancel cancels a run wherever it currently lives: a pending retry timer is
// stopped, a queued task is removed, a running execution has its token
// signalled and exits cooperatively. Terminal runs cannot be cancelled.
func (q *TaskQueue) Cancel(ctx context.Context, runID string) error {
	q.mu.Lock()

	if entry, ok := q.retryTimers[runID]; ok {
		entry.timer.Stop()
		delete(q.retryTimers, runID)
		q.mu.Unlock()
		q.logger.Info("cancelled pending retry", "run_id", runID)
		return q.markCancelled(ctx, runID)
	}

	for i, task := range q.items {
		if task.RunID == runID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.mu.Unlock()
			q.logger.Info("cancelled queued task", "run_id", runID)
			return q.markCancelled(ctx, runID)
		}
	}

	if infl, ok := q.inflight[runID]; ok {
		infl.userCancelled.Store(true)
		infl.cancel()
		q.mu.Unlock()
		q.logger.Info("cancellation signalled to running task", "run_id", runID)
		return nil // the execution marks the run cancelled on exit
	}
	q.mu.Unlock()

	return domain.NewDomainError("queue.cancel", domain.ErrRunNotFound, runID)
}

// markCancelled finalizes a run that never reached (or already left) the
// executor.
func (q *TaskQueue) markCancelled(ctx context.Context, runID string) error {
	run, err := q.runs.Get(ctx, runID)
	if err != nil {
		return domain.WrapOp("queue.cancel", err)
	}
	if run.Status.Terminal() {
		return domain.NewDomainError("queue.cancel", domain.ErrRunTerminal, runID)
	}
	now := time.Now()
	run.Status = domain.RunCancelled
	run.CompletedAt = &now
	run.UpdatedAt = now
	return domain.WrapOp("queue.cancel", q.runs.Update(ctx, run))
}

// Size returns the number of queued (not in-flight) tasks.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// GetStats returns a snapshot of queue activity.
func (q *TaskQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:       len(q.items),
		Running:      q.running,
		PendingRetry: len(q.retryTimers),
	}
}
