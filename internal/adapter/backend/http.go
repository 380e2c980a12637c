package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"taskmill/internal/domain"
	"taskmill/internal/infra/config"
)

var _ domain.Executor = (*HTTPExecutor)(nil)

// Default timeouts: short connect (backend is usually co-located), long
// response (agent runs can take minutes).
const (
	defaultConnTimeout = 10 * time.Second
	defaultRespTimeout = 10 * time.Minute
)

const maxResponseBody = 10 * 1024 * 1024

// HTTPExecutor submits prompts to the agent backend over its HTTP API and
// waits for the completed result.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPExecutor creates an executor against the configured backend URL.
func NewHTTPExecutor(cfg config.BackendConfig, logger *slog.Logger) *HTTPExecutor {
	respTimeout := cfg.Timeout.Std()
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   defaultConnTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &HTTPExecutor{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client: &http.Client{
			Transport: transport,
			Timeout:   defaultConnTimeout + respTimeout,
		},
		logger: logger,
	}
}

type executeRequest struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id"`
	Prompt    string `json:"prompt"`
}

type executeResponse struct {
	Text  string `json:"text"`
	RunID string `json:"run_id"`
	Error string `json:"error,omitempty"`
}

// Execute implements domain.Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, req domain.ExecuteRequest) (*domain.ExecuteResult, error) {
	body, err := json.Marshal(executeRequest{
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		Prompt:    req.Prompt,
	})
	if err != nil {
		return nil, domain.WrapOp("backend.execute", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapOp("backend.execute", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, domain.WrapOp("backend.execute", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, domain.WrapOp("backend.execute", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, domain.NewDomainError("backend.execute", domain.ErrBackendUnavailable,
			fmt.Sprintf("status %d: %s", httpResp.StatusCode, truncate(string(respBody), 200)))
	}

	var resp executeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, domain.WrapOp("backend.execute", err)
	}
	if resp.Error != "" {
		return nil, domain.NewDomainError("backend.execute", domain.ErrBackendUnavailable, resp.Error)
	}

	return &domain.ExecuteResult{Text: resp.Text, BackendRunID: resp.RunID}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
