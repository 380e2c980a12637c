package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"taskmill/internal/domain"
)

const scheduleColumns = `id, name, agent_id, agent_name, skill_name, kind, expression,
	interval_minutes, run_at, timezone, enabled, priority, max_retries, timeout_ms,
	prompt_template, variables, context_sources, delivery, new_session_per_run,
	session_id, paused_at, paused_until, pause_reason, last_run_at, next_run_at,
	created_at, updated_at`

// Save upserts a schedule row. Complex fields (variables, context sources,
// delivery) are stored as JSON.
func (r *ScheduleRepo) Save(ctx context.Context, sched domain.Schedule) error {
	variables, err := marshalJSON(sched.Variables)
	if err != nil {
		return domain.WrapOp("store.schedule.save", err)
	}
	sources, err := marshalJSON(sched.ContextSources)
	if err != nil {
		return domain.WrapOp("store.schedule.save", err)
	}
	delivery, err := marshalJSON(sched.Delivery)
	if err != nil {
		return domain.WrapOp("store.schedule.save", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, agent_id=excluded.agent_id, agent_name=excluded.agent_name,
			skill_name=excluded.skill_name, kind=excluded.kind, expression=excluded.expression,
			interval_minutes=excluded.interval_minutes, run_at=excluded.run_at,
			timezone=excluded.timezone, enabled=excluded.enabled, priority=excluded.priority,
			max_retries=excluded.max_retries, timeout_ms=excluded.timeout_ms,
			prompt_template=excluded.prompt_template, variables=excluded.variables,
			context_sources=excluded.context_sources, delivery=excluded.delivery,
			new_session_per_run=excluded.new_session_per_run, session_id=excluded.session_id,
			paused_at=excluded.paused_at, paused_until=excluded.paused_until,
			pause_reason=excluded.pause_reason, updated_at=excluded.updated_at`,
		sched.ID, sched.Name, sched.AgentID, nullStr(sched.AgentName), nullStr(sched.SkillName),
		string(sched.Kind), nullStr(sched.Expression), sched.IntervalMinutes,
		timePtrStr(sched.RunAt), nullStr(sched.Timezone), boolInt(sched.Enabled),
		nullStr(string(sched.Priority)), sched.MaxRetries, sched.TimeoutMs,
		sched.PromptTemplate, variables, sources, delivery,
		boolInt(sched.NewSessionPerRun), nullStr(sched.SessionID),
		timePtrStr(sched.PausedAt), timePtrStr(sched.PausedUntil), nullStr(sched.PauseReason),
		timePtrStr(sched.LastRunAt), timePtrStr(sched.NextRunAt),
		timeStr(sched.CreatedAt), timeStr(sched.UpdatedAt),
	)
	return err
}

// Get returns a schedule by ID or domain.ErrScheduleNotFound.
func (r *ScheduleRepo) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("store.schedule.get", domain.ErrScheduleNotFound, id)
	}
	if err != nil {
		return nil, domain.WrapOp("store.schedule.get", err)
	}
	return sched, nil
}

// List returns all schedules ordered by creation time.
func (r *ScheduleRepo) List(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at`)
}

// ListEnabled returns all enabled schedules.
func (r *ScheduleRepo) ListEnabled(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY created_at`)
}

// ListIntervalDue returns enabled, unpaused interval schedules due at or
// before now (a NULL next_run_at counts as due).
func (r *ScheduleRepo) ListIntervalDue(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE kind = ? AND enabled = 1 AND paused_at IS NULL
		  AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY created_at`,
		string(domain.ScheduleInterval), timeStr(now))
}

// ListPauseExpired returns schedules whose pause window has lapsed.
func (r *ScheduleRepo) ListPauseExpired(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE paused_until IS NOT NULL AND paused_until <= ?`,
		timeStr(now))
}

// Delete removes a schedule row. Deleting a missing row is not an error.
func (r *ScheduleRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

// SetRunTimes updates last/next run markers. A nil pointer leaves the
// corresponding column unchanged.
func (r *ScheduleRepo) SetRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET
			last_run_at = COALESCE(?, last_run_at),
			next_run_at = COALESCE(?, next_run_at),
			updated_at = ?
		WHERE id = ?`,
		timePtrStr(lastRunAt), timePtrStr(nextRunAt), timeStr(time.Now()), id)
	return err
}

// ClearPause wipes the pause bookkeeping fields.
func (r *ScheduleRepo) ClearPause(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET paused_at = NULL, paused_until = NULL, pause_reason = NULL, updated_at = ?
		WHERE id = ?`,
		timeStr(time.Now()), id)
	return err
}

func (r *ScheduleRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapOp("store.schedule.list", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, domain.WrapOp("store.schedule.list", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var (
		sched                                          domain.Schedule
		agentName, skillName, expression, timezone     sql.NullString
		priority, sessionID, pauseReason               sql.NullString
		runAt, pausedAt, pausedUntil, lastRun, nextRun sql.NullString
		variables, sources, delivery                   sql.NullString
		enabled, newSession                            int
		kind                                           string
		createdAt, updatedAt                           string
	)

	err := row.Scan(
		&sched.ID, &sched.Name, &sched.AgentID, &agentName, &skillName, &kind, &expression,
		&sched.IntervalMinutes, &runAt, &timezone, &enabled, &priority,
		&sched.MaxRetries, &sched.TimeoutMs, &sched.PromptTemplate,
		&variables, &sources, &delivery, &newSession, &sessionID,
		&pausedAt, &pausedUntil, &pauseReason, &lastRun, &nextRun,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.AgentName = agentName.String
	sched.SkillName = skillName.String
	sched.Kind = domain.ScheduleKind(kind)
	sched.Expression = expression.String
	sched.Timezone = timezone.String
	sched.Enabled = enabled != 0
	sched.Priority = domain.Priority(priority.String)
	sched.NewSessionPerRun = newSession != 0
	sched.SessionID = sessionID.String
	sched.PauseReason = pauseReason.String
	sched.RunAt = parseTimePtr(runAt)
	sched.PausedAt = parseTimePtr(pausedAt)
	sched.PausedUntil = parseTimePtr(pausedUntil)
	sched.LastRunAt = parseTimePtr(lastRun)
	sched.NextRunAt = parseTimePtr(nextRun)
	sched.CreatedAt = parseTime(createdAt)
	sched.UpdatedAt = parseTime(updatedAt)

	if variables.Valid && variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &sched.Variables); err != nil {
			return nil, err
		}
	}
	if sources.Valid && sources.String != "" {
		if err := json.Unmarshal([]byte(sources.String), &sched.ContextSources); err != nil {
			return nil, err
		}
	}
	if delivery.Valid && delivery.String != "" {
		if err := json.Unmarshal([]byte(delivery.String), &sched.Delivery); err != nil {
			return nil, err
		}
	}

	return &sched, nil
}

func marshalJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
