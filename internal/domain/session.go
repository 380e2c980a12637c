package domain

import (
	"context"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a conversation session a schedule's runs write into.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry in a session transcript. RunID ties a message to the
// task run that produced it and keys idempotent inserts.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStore persists sessions and their transcripts.
type SessionStore interface {
	CreateSession(ctx context.Context, agentID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	// AppendPromptMessage writes the run's user-authored prompt message.
	// It is idempotent per (sessionID, runID): repeated preparation of the
	// same run never double-inserts.
	AppendPromptMessage(ctx context.Context, sessionID, runID, content string) error
	AppendAssistantMessage(ctx context.Context, sessionID, runID, content string) error
	// LatestAssistantText returns the most recent assistant message content.
	LatestAssistantText(ctx context.Context, sessionID string) (string, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}
