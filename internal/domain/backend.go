package domain

import "context"

// ExecuteRequest asks the execution backend to run one agent turn.
type ExecuteRequest struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Prompt    string `json:"prompt"`
}

// ExecuteResult is the backend's answer for a completed turn.
type ExecuteResult struct {
	Text         string `json:"text"`
	BackendRunID string `json:"backend_run_id,omitempty"`
}

// Executor is the external component that actually runs the agent's turn.
// The engine is transport-agnostic; it only needs request/cancel/response
// semantics. Implementations must honor ctx cancellation promptly.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}
