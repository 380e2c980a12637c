package domain

import "context"

// DeliveryMethod selects the channel a completed run's result is routed to.
type DeliveryMethod string

const (
	DeliverSession DeliveryMethod = "session" // in-app session only, the default
	DeliverWebhook DeliveryMethod = "webhook"
	DeliverSlack   DeliveryMethod = "slack"
	DeliverDiscord DeliveryMethod = "discord"
)

// DeliveryConfig is a schedule's delivery configuration.
type DeliveryConfig struct {
	Method          DeliveryMethod `json:"method"`
	WebhookURL      string         `json:"webhook_url,omitempty"`
	Channel         string         `json:"channel,omitempty"` // slack channel ID / discord channel ID
	IncludeMetadata bool           `json:"include_metadata,omitempty"`
}

// DeliveryPayload is the normalized, channel-agnostic result envelope built
// once per completed run and consumed read-only by exactly one handler.
type DeliveryPayload struct {
	RunID        string            `json:"run_id"`
	ScheduleID   string            `json:"schedule_id"`
	ScheduleName string            `json:"schedule_name"`
	AgentName    string            `json:"agent_name,omitempty"`
	Status       RunStatus         `json:"status"`
	Summary      string            `json:"summary,omitempty"`
	FullText     string            `json:"full_text,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Error        string            `json:"error,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DeliveryHandler sends a payload to one external channel type.
// Delivery is best-effort: a handler error never affects the owning run.
type DeliveryHandler interface {
	Method() DeliveryMethod
	Deliver(ctx context.Context, cfg DeliveryConfig, p DeliveryPayload) error
}
