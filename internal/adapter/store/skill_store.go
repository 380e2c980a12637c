package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskmill/internal/domain"
)

// Get returns a skill's counters or domain.ErrNotFound.
func (r *SkillRepo) Get(ctx context.Context, name string) (*domain.Skill, error) {
	var (
		skill     domain.Skill
		lastRunAt sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT name, run_count, success_count, failure_count, last_run_at
		FROM skills WHERE name = ?`, name).
		Scan(&skill.Name, &skill.RunCount, &skill.SuccessCount, &skill.FailureCount, &lastRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("store.skill.get", domain.ErrNotFound, name)
	}
	if err != nil {
		return nil, domain.WrapOp("store.skill.get", err)
	}
	skill.LastRunAt = parseTimePtr(lastRunAt)
	return &skill, nil
}

// RecordRun bumps the counters for a skill, creating the row on first use.
func (r *SkillRepo) RecordRun(ctx context.Context, name string, success bool) error {
	successInc := 0
	failureInc := 0
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO skills (name, run_count, success_count, failure_count, last_run_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			run_count = run_count + 1,
			success_count = success_count + excluded.success_count,
			failure_count = failure_count + excluded.failure_count,
			last_run_at = excluded.last_run_at`,
		name, successInc, failureInc, timeStr(time.Now()))
	if err != nil {
		return domain.WrapOp("store.skill.record", err)
	}
	return nil
}
