package contextsrc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskmill/internal/domain"
)

const maxFetchBody = 256 * 1024 // keep injected context bounded

// HTTPFetcher retrieves context from an HTTP endpoint. Config keys:
// "url" (required), "method" (default GET), "authorization" (optional
// header value).
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates an HTTP context fetcher.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetcher) Type() string { return "http_api" }

func (f *HTTPFetcher) Fetch(ctx context.Context, spec domain.ContextSourceSpec, _ string) (string, error) {
	url := spec.Config["url"]
	if url == "" {
		return "", domain.NewDomainError("contextsrc.http", domain.ErrInvalidInput, "missing url")
	}
	method := spec.Config["method"]
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", domain.WrapOp("contextsrc.http", err)
	}
	if auth := spec.Config["authorization"]; auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", domain.WrapOp("contextsrc.http", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", domain.NewDomainError("contextsrc.http", domain.ErrInvalidInput,
			fmt.Sprintf("%s returned %d", url, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return "", domain.WrapOp("contextsrc.http", err)
	}
	return string(body), nil
}

// StaticFetcher injects a fixed text block from the spec config. Config key:
// "text". Useful for standing instructions shared across schedules.
type StaticFetcher struct{}

// NewStaticFetcher creates a static text fetcher.
func NewStaticFetcher() *StaticFetcher { return &StaticFetcher{} }

func (f *StaticFetcher) Type() string { return "static" }

func (f *StaticFetcher) Fetch(_ context.Context, spec domain.ContextSourceSpec, _ string) (string, error) {
	text := spec.Config["text"]
	if text == "" {
		return "", domain.NewDomainError("contextsrc.static", domain.ErrInvalidInput, "missing text")
	}
	return text, nil
}
