package store

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskmill/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.ScheduleStore = (*ScheduleRepo)(nil)
	_ domain.RunStore      = (*RunRepo)(nil)
	_ domain.SessionStore  = (*SessionRepo)(nil)
	_ domain.SkillStore    = (*SkillRepo)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	agent_id            TEXT NOT NULL,
	agent_name          TEXT,
	skill_name          TEXT,
	kind                TEXT NOT NULL,
	expression          TEXT,
	interval_minutes    INTEGER NOT NULL DEFAULT 0,
	run_at              TEXT,
	timezone            TEXT,
	enabled             INTEGER NOT NULL DEFAULT 1,
	priority            TEXT,
	max_retries         INTEGER NOT NULL DEFAULT 0,
	timeout_ms          INTEGER NOT NULL DEFAULT 0,
	prompt_template     TEXT NOT NULL,
	variables           TEXT,
	context_sources     TEXT,
	delivery            TEXT,
	new_session_per_run INTEGER NOT NULL DEFAULT 0,
	session_id          TEXT,
	paused_at           TEXT,
	paused_until        TEXT,
	pause_reason        TEXT,
	last_run_at         TEXT,
	next_run_at         TEXT,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	schedule_id     TEXT NOT NULL,
	status          TEXT NOT NULL,
	scheduled_for   TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	attempt_number  INTEGER NOT NULL DEFAULT 1,
	resolved_prompt TEXT NOT NULL,
	session_id      TEXT,
	result_summary  TEXT,
	error           TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_schedule ON runs(schedule_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	run_id     TEXT,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	UNIQUE(session_id, run_id, role)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);

CREATE TABLE IF NOT EXISTS skills (
	name          TEXT PRIMARY KEY,
	run_count     INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_run_at   TEXT
);
`

// ScheduleRepo implements domain.ScheduleStore.
type ScheduleRepo struct{ db *sql.DB }

// RunRepo implements domain.RunStore.
type RunRepo struct{ db *sql.DB }

// SessionRepo implements domain.SessionStore.
type SessionRepo struct{ db *sql.DB }

// SkillRepo implements domain.SkillStore.
type SkillRepo struct{ db *sql.DB }

// SQLiteStore backs every persistence port with a single SQLite database.
// Each aggregate gets its own repo view over the shared handle.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	schedules *ScheduleRepo
	runs      *RunRepo
	sessions  *SessionRepo
	skills    *SkillRepo
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, domain.NewDomainError("store.open", domain.ErrInvalidInput, "sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, domain.WrapOp("store.open", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.WrapOp("store.open", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, domain.WrapOp("store.migrate", err)
	}

	return &SQLiteStore{
		db:        db,
		logger:    logger,
		schedules: &ScheduleRepo{db: db},
		runs:      &RunRepo{db: db},
		sessions:  &SessionRepo{db: db},
		skills:    &SkillRepo{db: db},
	}, nil
}

// Schedules returns the schedule repository.
func (s *SQLiteStore) Schedules() *ScheduleRepo { return s.schedules }

// Runs returns the task run repository.
func (s *SQLiteStore) Runs() *RunRepo { return s.runs }

// Sessions returns the session repository.
func (s *SQLiteStore) Sessions() *SessionRepo { return s.sessions }

// Skills returns the skill counter repository.
func (s *SQLiteStore) Skills() *SkillRepo { return s.skills }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- scan helpers ---

// Fixed-width fraction so stored timestamps compare correctly as strings
// in SQL (RFC3339Nano drops trailing zeros and breaks ordering).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeStr(t time.Time) string { return t.UTC().Format(timeLayout) }

func timePtrStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) // accepts the fixed-width form too
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
