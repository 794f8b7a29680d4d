package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient calls the external RAG service: POST {baseURL}/search.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	KnowledgeSpaceID string `json:"knowledgeSpaceId"`
	Query            string `json:"query"`
	TopK             int    `json:"topK"`
}

type searchResponse struct {
	Passages []Passage `json:"passages"`
}

// Search implements Service.
func (c *HTTPClient) Search(ctx context.Context, knowledgeSpaceID, query string, topK int) ([]Passage, error) {
	body, err := json.Marshal(searchRequest{
		KnowledgeSpaceID: knowledgeSpaceID,
		Query:            query,
		TopK:             ClampTopK(topK),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("retrieval: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("retrieval: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("retrieval: decode response: %w", err)
	}
	return out.Passages, nil
}

// Ping implements Pinger with GET {baseURL}/health.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("retrieval: health status %d", resp.StatusCode)
	}
	return nil
}
