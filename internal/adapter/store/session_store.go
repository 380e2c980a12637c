package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"taskmill/internal/domain"
)

func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// CreateSession creates a fresh session for an agent.
func (r *SessionRepo) CreateSession(ctx context.Context, agentID string) (*domain.Session, error) {
	now := time.Now()
	session := &domain.Session{
		ID:        newID(),
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, created_at, updated_at) VALUES (?,?,?,?)`,
		session.ID, session.AgentID, timeStr(now), timeStr(now))
	if err != nil {
		return nil, domain.WrapOp("store.session.create", err)
	}
	return session, nil
}

// GetSession returns a session by ID or domain.ErrSessionNotFound.
func (r *SessionRepo) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var (
		session              domain.Session
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, agent_id, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&session.ID, &session.AgentID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("store.session.get", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, domain.WrapOp("store.session.get", err)
	}
	session.CreatedAt = parseTime(createdAt)
	session.UpdatedAt = parseTime(updatedAt)
	return &session, nil
}

// AppendPromptMessage inserts the run's user prompt message. The UNIQUE
// constraint on (session_id, run_id, role) plus INSERT OR IGNORE makes
// repeated preparation of the same run a no-op.
func (r *SessionRepo) AppendPromptMessage(ctx context.Context, sessionID, runID, content string) error {
	return r.appendMessage(ctx, sessionID, runID, domain.RoleUser, content, true)
}

// AppendAssistantMessage inserts the backend's reply for a run.
func (r *SessionRepo) AppendAssistantMessage(ctx context.Context, sessionID, runID, content string) error {
	return r.appendMessage(ctx, sessionID, runID, domain.RoleAssistant, content, false)
}

func (r *SessionRepo) appendMessage(ctx context.Context, sessionID, runID, role, content string, idempotent bool) error {
	verb := "INSERT"
	if idempotent {
		verb = "INSERT OR IGNORE"
	}
	_, err := r.db.ExecContext(ctx,
		verb+` INTO messages (id, session_id, run_id, role, content, timestamp) VALUES (?,?,?,?,?,?)`,
		newID(), sessionID, nullStr(runID), role, content, timeStr(time.Now()))
	if err != nil {
		return domain.WrapOp("store.message.append", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, timeStr(time.Now()), sessionID)
	return err
}

// LatestAssistantText returns the most recent assistant message content in a
// session, or empty string when there is none.
func (r *SessionRepo) LatestAssistantText(ctx context.Context, sessionID string) (string, error) {
	var content string
	err := r.db.QueryRowContext(ctx, `
		SELECT content FROM messages
		WHERE session_id = ? AND role = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`,
		sessionID, domain.RoleAssistant).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", domain.WrapOp("store.message.latest", err)
	}
	return content, nil
}

// ListMessages returns a session's transcript in chronological order.
func (r *SessionRepo) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, run_id, role, content, timestamp FROM messages
		WHERE session_id = ? ORDER BY timestamp, id LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, domain.WrapOp("store.message.list", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			msg   domain.Message
			runID sql.NullString
			ts    string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &runID, &msg.Role, &msg.Content, &ts); err != nil {
			return nil, domain.WrapOp("store.message.list", err)
		}
		msg.RunID = runID.String
		msg.Timestamp = parseTime(ts)
		out = append(out, msg)
	}
	return out, rows.Err()
}
