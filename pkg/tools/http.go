package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxHTTPBody = 1 << 20

var httpMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// HTTPAdapter performs outbound HTTP requests described by the call input:
// {method, url, headers, body}.
type HTTPAdapter struct {
	client    *http.Client
	healthURL string
}

// HTTPOption configures the HTTP adapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPAdapterClient replaces the HTTP client.
func WithHTTPAdapterClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		if c != nil {
			a.client = c
		}
	}
}

// WithHealthURL makes HealthCheck probe url with a GET.
func WithHealthURL(u string) HTTPOption {
	return func(a *HTTPAdapter) { a.healthURL = u }
}

// NewHTTPAdapter creates the adapter. timeout bounds each request at the
// transport level, independently of the executor deadline.
func NewHTTPAdapter(timeout time.Duration, opts ...HTTPOption) *HTTPAdapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	a := &HTTPAdapter{client: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ValidateInput requires a supported method and an absolute URL.
func (a *HTTPAdapter) ValidateInput(_ context.Context, input map[string]any) bool {
	method := strings.ToUpper(stringArg(input, "method"))
	if method == "" {
		method = http.MethodGet
	}
	if !httpMethods[method] {
		return false
	}
	u, err := url.Parse(stringArg(input, "url"))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	if h, ok := input["headers"]; ok && h != nil {
		if _, ok := h.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// Execute sends the request. Non-2xx responses are failures that still carry
// the status and body in the output.
func (a *HTTPAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	method := strings.ToUpper(stringArg(req.Input, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b, ok := req.Input["body"]; ok && b != nil {
		switch v := b.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return Result{}, fmt.Errorf("encode body: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, stringArg(req.Input, "url"), body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := req.Input["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	out := map[string]any{"status": resp.StatusCode}
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		out["body"] = decoded
	} else {
		out["body"] = string(raw)
	}

	res := Result{Success: resp.StatusCode >= 200 && resp.StatusCode < 300, Output: out}
	if !res.Success {
		res.Error = fmt.Sprintf("http status %d", resp.StatusCode)
	}
	return res, nil
}

// HealthCheck probes the configured health URL, or reports healthy when none is set.
func (a *HTTPAdapter) HealthCheck(ctx context.Context) bool {
	if a.healthURL == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

var _ Adapter = (*HTTPAdapter)(nil)
