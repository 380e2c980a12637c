package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"taskmill/internal/domain"
	"taskmill/internal/infra/tracer"
)

const deliveryTimeout = 30 * time.Second

// loop dispatches queued tasks on a fixed tick while capacity allows.
func (q *TaskQueue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.loopCtx.Done():
			return
		case <-ticker.C:
			q.dispatch()
		}
	}
}

// dispatch starts executions for queue heads until maxConcurrent is reached.
func (q *TaskQueue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.running < q.maxConcurrent && len(q.items) > 0 {
		task := q.items[0]
		q.items = q.items[1:]
		q.running++

		// The execution context deliberately does not descend from the loop
		// context: Stop drains in-flight work instead of killing it. The
		// cancellation token combines an explicit cancel request with the
		// schedule's timeout; whichever fires first wins.
		execCtx, cancel := context.WithCancel(context.Background())
		infl := &inflightTask{cancel: cancel}
		q.inflight[task.RunID] = infl

		q.wg.Add(1)
		go q.execute(execCtx, task, infl)
	}
}

// execute runs one task end to end: resolve context, prepare the session,
// call the backend, then record the outcome and hand off to delivery or the
// retry policy.
func (q *TaskQueue) execute(ctx context.Context, task *QueuedTask, infl *inflightTask) {
	defer func() {
		q.mu.Lock()
		q.running--
		delete(q.inflight, task.RunID)
		q.mu.Unlock()
		q.wg.Done()
	}()

	// Store writes must survive token expiry; a timed-out run still gets its
	// terminal status persisted.
	storeCtx := context.WithoutCancel(ctx)

	run, err := q.runs.Get(storeCtx, task.RunID)
	if err != nil {
		q.logger.Error("run vanished before execution", "run_id", task.RunID, "error", err)
		return
	}

	startedAt := time.Now()
	run.Status = domain.RunRunning
	run.StartedAt = &startedAt
	run.AttemptNumber = task.Attempt
	run.UpdatedAt = startedAt
	if err := q.runs.Update(storeCtx, run); err != nil {
		q.logger.Error("failed to mark run running", "run_id", run.ID, "error", err)
		return
	}

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	ctx, span := tracer.StartSpan(ctx, "queue.execute",
		trace.WithAttributes(
			tracer.StringAttr("run_id", run.ID),
			tracer.StringAttr("schedule_id", task.ScheduleID),
			tracer.IntAttr("attempt", task.Attempt),
		))
	defer span.End()

	result, execErr := q.runTask(ctx, storeCtx, task, run)

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.DurationMs = completedAt.Sub(startedAt).Milliseconds()
	run.UpdatedAt = completedAt

	switch {
	case infl.userCancelled.Load():
		// Explicit cancel always wins, even if the underlying call would
		// have eventually errored on its own.
		run.Status = domain.RunCancelled
		if err := q.runs.Update(storeCtx, run); err != nil {
			q.logger.Error("failed to record cancellation", "run_id", run.ID, "error", err)
		}
		q.logger.Info("run cancelled mid-execution", "run_id", run.ID, "duration_ms", run.DurationMs)

	case execErr == nil:
		run.Status = domain.RunSucceeded
		run.ResultSummary = summarize(result.Text)
		run.Error = ""
		if err := q.runs.Update(storeCtx, run); err != nil {
			q.logger.Error("failed to record success", "run_id", run.ID, "error", err)
		}
		q.recordSkill(storeCtx, task, true)
		q.logger.Info("run succeeded", "run_id", run.ID, "schedule_id", task.ScheduleID,
			"attempt", task.Attempt, "duration_ms", run.DurationMs)
		q.deliver(task, run, result)

	default:
		tracer.RecordError(span, execErr)
		q.handleFailure(storeCtx, task, run, execErr)
	}
}

// runTask performs the fetch → session → backend pipeline for one attempt.
func (q *TaskQueue) runTask(ctx, storeCtx context.Context, task *QueuedTask, run *domain.TaskRun) (*domain.ExecuteResult, error) {
	resolved := q.resolver.Resolve(ctx, task.ContextSources, task.ScheduleID)
	prompt := q.resolver.Apply(task.Prompt, resolved)

	sessionID := task.SessionID
	if task.NewSession || sessionID == "" {
		sess, err := q.sessions.CreateSession(storeCtx, task.AgentID)
		if err != nil {
			return nil, domain.WrapOp("prepare session", err)
		}
		sessionID = sess.ID
	}
	// Idempotent per run ID: repeated preparation never double-inserts.
	if err := q.sessions.AppendPromptMessage(storeCtx, sessionID, run.ID, prompt); err != nil {
		return nil, domain.WrapOp("prepare session", err)
	}
	if run.SessionID != sessionID {
		run.SessionID = sessionID
		run.UpdatedAt = time.Now()
		if err := q.runs.Update(storeCtx, run); err != nil {
			q.logger.Warn("failed to record session reference", "run_id", run.ID, "error", err)
		}
	}

	result, err := q.executor.Execute(ctx, domain.ExecuteRequest{
		SessionID: sessionID,
		AgentID:   task.AgentID,
		Prompt:    prompt,
	})
	if err != nil {
		return nil, err
	}

	if err := q.sessions.AppendAssistantMessage(storeCtx, sessionID, run.ID, result.Text); err != nil {
		q.logger.Warn("failed to record assistant message", "run_id", run.ID, "session_id", sessionID, "error", err)
	}
	return result, nil
}

// handleFailure applies the retry/backoff policy, or finalizes the run when
// retries are exhausted.
func (q *TaskQueue) handleFailure(storeCtx context.Context, task *QueuedTask, run *domain.TaskRun, execErr error) {
	if domain.IsConnectivityError(execErr) {
		q.logger.Error("execution backend unreachable",
			"run_id", run.ID,
			"schedule_id", task.ScheduleID,
			"attempt", task.Attempt,
			"error", execErr,
			"hint", "check backend URL and network reachability")
	}

	if task.Attempt < task.MaxRetries {
		delay := backoffDelay(q.baseRetryDelay, task.Attempt)

		run.Status = domain.RunPending
		run.AttemptNumber = task.Attempt + 1
		run.Error = execErr.Error()
		run.StartedAt = nil
		run.CompletedAt = nil
		if err := q.runs.Update(storeCtx, run); err != nil {
			q.logger.Error("failed to reset run for retry", "run_id", run.ID, "error", err)
			return
		}

		retry := *task
		retry.Attempt = task.Attempt + 1

		q.mu.Lock()
		if !q.started {
			q.mu.Unlock()
			return // left pending; recovered on next start
		}
		q.retryTimers[run.ID] = &retryEntry{
			task:  &retry,
			timer: time.AfterFunc(delay, func() { q.requeueRetry(&retry) }),
		}
		q.mu.Unlock()

		q.logger.Warn("run failed, retry scheduled",
			"run_id", run.ID, "attempt", task.Attempt, "max_retries", task.MaxRetries,
			"delay", delay, "error", execErr)
		return
	}

	run.Status = domain.RunFailed
	if errors.Is(execErr, context.DeadlineExceeded) {
		run.Status = domain.RunTimeout
		execErr = fmt.Errorf("%w after %s: %w", domain.ErrTimeout, task.Timeout, execErr)
	}
	run.Error = execErr.Error()
	if err := q.runs.Update(storeCtx, run); err != nil {
		q.logger.Error("failed to record failure", "run_id", run.ID, "error", err)
	}
	q.recordSkill(storeCtx, task, false)
	q.logger.Error("run failed terminally",
		"run_id", run.ID, "schedule_id", task.ScheduleID,
		"attempts", task.Attempt, "status", run.Status, "error", execErr)
	q.deliver(task, run, nil)
}

// requeueRetry moves a delayed retry back onto the queue once its timer
// fires.
func (q *TaskQueue) requeueRetry(task *QueuedTask) {
	q.mu.Lock()
	delete(q.retryTimers, task.RunID)
	if !q.started {
		q.mu.Unlock()
		return
	}
	task.EnqueuedAt = time.Now()
	q.insertLocked(task)
	q.mu.Unlock()

	ctx := context.Background()
	run, err := q.runs.Get(ctx, task.RunID)
	if err != nil {
		q.logger.Error("retry requeue: run not found", "run_id", task.RunID, "error", err)
		return
	}
	run.Status = domain.RunQueued
	run.UpdatedAt = time.Now()
	if err := q.runs.Update(ctx, run); err != nil {
		q.logger.Error("retry requeue: failed to mark queued", "run_id", task.RunID, "error", err)
	}
	q.logger.Info("retry requeued", "run_id", task.RunID, "attempt", task.Attempt)
}

// recordSkill bumps the linked skill's counters, if any.
func (q *TaskQueue) recordSkill(ctx context.Context, task *QueuedTask, success bool) {
	if task.SkillName == "" {
		return
	}
	if err := q.skills.RecordRun(ctx, task.SkillName, success); err != nil {
		q.logger.Warn("failed to update skill counters", "skill", task.SkillName, "error", err)
	}
}

// deliver routes the run's result to its configured channel. Best effort:
// failures are logged and never affect the run.
func (q *TaskQueue) deliver(task *QueuedTask, run *domain.TaskRun, result *domain.ExecuteResult) {
	payload := domain.DeliveryPayload{
		RunID:        run.ID,
		ScheduleID:   task.ScheduleID,
		ScheduleName: task.ScheduleName,
		AgentName:    task.AgentName,
		Status:       run.Status,
		Summary:      run.ResultSummary,
		SessionID:    run.SessionID,
		Error:        run.Error,
		DurationMs:   run.DurationMs,
		Metadata: map[string]string{
			"attempt":  fmt.Sprintf("%d", run.AttemptNumber),
			"priority": string(task.Priority),
		},
	}
	if result != nil {
		payload.FullText = result.Text
		if result.BackendRunID != "" {
			payload.Metadata["backend_run_id"] = result.BackendRunID
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := q.delivery.Dispatch(ctx, task.Delivery, payload); err != nil {
		q.logger.Warn("delivery failed",
			"run_id", run.ID, "method", task.Delivery.Method, "error", err)
	}
}
