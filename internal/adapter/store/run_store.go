package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskmill/internal/domain"
)

const runColumns = `id, schedule_id, status, scheduled_for, started_at, completed_at,
	duration_ms, attempt_number, resolved_prompt, session_id, result_summary, error,
	created_at, updated_at`

// Create inserts a new run row.
func (r *RunRepo) Create(ctx context.Context, run *domain.TaskRun) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ScheduleID, string(run.Status), timeStr(run.ScheduledFor),
		timePtrStr(run.StartedAt), timePtrStr(run.CompletedAt), run.DurationMs,
		run.AttemptNumber, run.ResolvedPrompt, nullStr(run.SessionID),
		nullStr(run.ResultSummary), nullStr(run.Error),
		timeStr(run.CreatedAt), timeStr(run.UpdatedAt),
	)
	if err != nil {
		return domain.WrapOp("store.run.create", err)
	}
	return nil
}

// Get returns a run by ID or domain.ErrRunNotFound.
func (r *RunRepo) Get(ctx context.Context, id string) (*domain.TaskRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("store.run.get", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, domain.WrapOp("store.run.get", err)
	}
	return run, nil
}

// Update rewrites the run's mutable fields in one statement so the status
// and its companions land together.
func (r *RunRepo) Update(ctx context.Context, run *domain.TaskRun) error {
	run.UpdatedAt = time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, started_at = ?, completed_at = ?, duration_ms = ?,
			attempt_number = ?, session_id = ?, result_summary = ?, error = ?,
			updated_at = ?
		WHERE id = ?`,
		string(run.Status), timePtrStr(run.StartedAt), timePtrStr(run.CompletedAt),
		run.DurationMs, run.AttemptNumber, nullStr(run.SessionID),
		nullStr(run.ResultSummary), nullStr(run.Error), timeStr(run.UpdatedAt), run.ID,
	)
	if err != nil {
		return domain.WrapOp("store.run.update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("store.run.update", domain.ErrRunNotFound, run.ID)
	}
	return nil
}

// ListBySchedule returns the most recent runs for a schedule, newest first.
func (r *RunRepo) ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]domain.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE schedule_id = ? ORDER BY created_at DESC LIMIT ?`,
		scheduleID, limit)
}

// ListActive returns runs still in a non-terminal state.
func (r *RunRepo) ListActive(ctx context.Context) ([]domain.TaskRun, error) {
	return r.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status IN (?, ?, ?) ORDER BY created_at`,
		string(domain.RunPending), string(domain.RunQueued), string(domain.RunRunning))
}

func (r *RunRepo) queryRuns(ctx context.Context, query string, args ...any) ([]domain.TaskRun, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapOp("store.run.list", err)
	}
	defer rows.Close()

	var out []domain.TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, domain.WrapOp("store.run.list", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*domain.TaskRun, error) {
	var (
		run                              domain.TaskRun
		status                           string
		scheduledFor                     string
		startedAt, completedAt           sql.NullString
		sessionID, resultSummary, errMsg sql.NullString
		createdAt, updatedAt             string
	)

	err := row.Scan(
		&run.ID, &run.ScheduleID, &status, &scheduledFor, &startedAt, &completedAt,
		&run.DurationMs, &run.AttemptNumber, &run.ResolvedPrompt, &sessionID,
		&resultSummary, &errMsg, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.ScheduledFor = parseTime(scheduledFor)
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	run.SessionID = sessionID.String
	run.ResultSummary = resultSummary.String
	run.Error = errMsg.String
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)

	return &run, nil
}
