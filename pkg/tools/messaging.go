package tools

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureHeader carries "sha256=<hex hmac of timestamp.body>".
	SignatureHeader = "X-Watt-Signature"
	// TimestampHeader carries the unix seconds used in the signature.
	TimestampHeader = "X-Watt-Timestamp"
)

// Message is what the messaging adapter posts.
type Message struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTs string `json:"thread_ts,omitempty"`
}

// MessagingAdapter posts messages to a chat webhook:
// {channel, text, threadTs?}.
type MessagingAdapter struct {
	webhookURL string
	secret     []byte
	client     *http.Client
	now        func() time.Time
}

// NewMessagingAdapter creates the adapter. An empty secret disables signing.
func NewMessagingAdapter(webhookURL, secret string, timeout time.Duration) *MessagingAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MessagingAdapter{
		webhookURL: webhookURL,
		secret:     []byte(secret),
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// ValidateInput implements Adapter.
func (a *MessagingAdapter) ValidateInput(_ context.Context, input map[string]any) bool {
	if strings.TrimSpace(stringArg(input, "channel")) == "" || strings.TrimSpace(stringArg(input, "text")) == "" {
		return false
	}
	if ts, ok := input["threadTs"]; ok && ts != nil {
		if _, ok := ts.(string); !ok {
			return false
		}
	}
	return true
}

// Execute implements Adapter.
func (a *MessagingAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	msg := Message{
		Channel:  stringArg(req.Input, "channel"),
		Text:     stringArg(req.Input, "text"),
		ThreadTs: stringArg(req.Input, "threadTs"),
	}
	status, err := a.Send(ctx, msg)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Output:  map[string]any{"delivered": true, "status": status, "channel": msg.Channel},
	}, nil
}

// Send posts msg and returns the webhook status code. Non-2xx is an error.
func (a *MessagingAdapter) Send(ctx context.Context, msg Message) (int, error) {
	if a.webhookURL == "" {
		return 0, fmt.Errorf("messaging: webhook url is not configured")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("messaging: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("messaging: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(a.secret) > 0 {
		ts := strconv.FormatInt(a.now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, "sha256="+Sign(a.secret, ts, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("messaging: send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("messaging: webhook status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of "timestamp.body".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HealthCheck reports whether a webhook is configured.
func (a *MessagingAdapter) HealthCheck(context.Context) bool {
	return a.webhookURL != ""
}

var _ Adapter = (*MessagingAdapter)(nil)
