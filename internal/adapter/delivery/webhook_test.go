package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/internal/domain"
)

func samplePayload() domain.DeliveryPayload {
	return domain.DeliveryPayload{
		RunID:        "run-1",
		ScheduleID:   "sched-1",
		ScheduleName: "Morning digest",
		AgentName:    "Atlas",
		Status:       domain.RunSucceeded,
		Summary:      "3 items need attention",
		FullText:     "Full report body",
		SessionID:    "sess-1",
		DurationMs:   2300,
		Metadata:     map[string]string{"attempt": "1", "priority": "normal"},
	}
}

func TestWebhookPostsEnvelope(t *testing.T) {
	var (
		gotBody        []byte
		gotContentType string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewWebhookHandler()
	err := h.Deliver(context.Background(), domain.DeliveryConfig{
		Method:          domain.DeliverWebhook,
		WebhookURL:      server.URL,
		IncludeMetadata: true,
	}, samplePayload())
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)

	var env webhookEnvelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, "run-1", env.RunID)
	assert.Equal(t, "sched-1", env.ScheduleID)
	assert.Equal(t, "Morning digest", env.ScheduleName)
	assert.Equal(t, "succeeded", env.Status)
	assert.Equal(t, "3 items need attention", env.Summary)
	assert.Equal(t, "Full report body", env.FullText)
	assert.Equal(t, int64(2300), env.DurationMs)
	assert.NotEmpty(t, env.Timestamp)
	assert.Equal(t, "normal", env.Metadata["priority"])
}

func TestWebhookMetadataExcludedByDefault(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	h := NewWebhookHandler()
	err := h.Deliver(context.Background(), domain.DeliveryConfig{
		Method:     domain.DeliverWebhook,
		WebhookURL: server.URL,
	}, samplePayload())
	require.NoError(t, err)

	var env webhookEnvelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Nil(t, env.Metadata)
}

func TestWebhookNon2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	h := NewWebhookHandler()
	err := h.Deliver(context.Background(), domain.DeliveryConfig{
		Method:     domain.DeliverWebhook,
		WebhookURL: server.URL,
	}, samplePayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
}

func TestWebhookMissingURL(t *testing.T) {
	h := NewWebhookHandler()
	err := h.Deliver(context.Background(), domain.DeliveryConfig{Method: domain.DeliverWebhook}, samplePayload())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
