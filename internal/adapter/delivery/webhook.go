package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"taskmill/internal/domain"
)

// webhookEnvelope is the JSON body POSTed to the configured URL.
type webhookEnvelope struct {
	RunID        string            `json:"run_id"`
	ScheduleID   string            `json:"schedule_id"`
	ScheduleName string            `json:"schedule_name"`
	AgentName    string            `json:"agent_name"`
	Status       string            `json:"status"`
	Summary      string            `json:"summary"`
	FullText     string            `json:"full_text,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Error        string            `json:"error,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
	Timestamp    string            `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// WebhookHandler delivers run results as a JSON POST to a per-schedule URL.
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler creates a webhook delivery handler.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{client: &http.Client{Timeout: 15 * time.Second}}
}

func (h *WebhookHandler) Method() domain.DeliveryMethod { return domain.DeliverWebhook }

func (h *WebhookHandler) Deliver(ctx context.Context, cfg domain.DeliveryConfig, p domain.DeliveryPayload) error {
	if cfg.WebhookURL == "" {
		return domain.NewDomainError("delivery.webhook", domain.ErrInvalidInput, "missing webhook url")
	}

	env := webhookEnvelope{
		RunID:        p.RunID,
		ScheduleID:   p.ScheduleID,
		ScheduleName: p.ScheduleName,
		AgentName:    p.AgentName,
		Status:       string(p.Status),
		Summary:      p.Summary,
		FullText:     p.FullText,
		SessionID:    p.SessionID,
		Error:        p.Error,
		DurationMs:   p.DurationMs,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if cfg.IncludeMetadata {
		env.Metadata = p.Metadata
	}

	body, err := json.Marshal(env)
	if err != nil {
		return domain.WrapOp("delivery.webhook", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return domain.WrapOp("delivery.webhook", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return domain.WrapOp("delivery.webhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewDomainError("delivery.webhook", domain.ErrDeliveryFailed,
			fmt.Sprintf("webhook returned %d", resp.StatusCode))
	}
	return nil
}
