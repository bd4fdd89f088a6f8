// Package tools ships the built-in tools registered by the default
// binary. Deployments typically add their own on top.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alloybot/alloy/internal/breaker"
)

// CurrentTime reports the current wall-clock time, optionally in a
// requested IANA timezone.
type CurrentTime struct {
	// NowFunc is overridable for tests.
	NowFunc func() time.Time
}

func (t *CurrentTime) Name() string { return "current_time" }

func (t *CurrentTime) Description() string {
	return "Returns the current date and time. Accepts an optional IANA timezone such as Asia/Seoul."
}

func (t *CurrentTime) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name"}
		}
	}`)
}

func (t *CurrentTime) Invoke(ctx context.Context, args map[string]any) (string, error) {
	now := time.Now
	if t.NowFunc != nil {
		now = t.NowFunc
	}
	loc := time.Local
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	return now().In(loc).Format("2006-01-02 15:04:05 MST"), nil
}

// HTTPFetch performs a GET against a URL and returns the body text,
// truncated to MaxBytes.
type HTTPFetch struct {
	Client   *http.Client
	MaxBytes int64
}

// NewHTTPFetch creates the tool with sane limits.
func NewHTTPFetch() *HTTPFetch {
	return &HTTPFetch{
		Client:   &http.Client{Timeout: 15 * time.Second},
		MaxBytes: 64 * 1024,
	}
}

func (t *HTTPFetch) Name() string { return "http_fetch" }

func (t *HTTPFetch) Description() string {
	return "Fetches the contents of an HTTP or HTTPS URL with a GET request."
}

func (t *HTTPFetch) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The URL to fetch"}
		},
		"required": ["url"]
	}`)
}

func (t *HTTPFetch) Invoke(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "", fmt.Errorf("url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Typed so the retry executor can classify transient failures.
		return "", &breaker.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("GET %s returned %d", rawURL, resp.StatusCode),
		}
	}

	maxBytes := t.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	return string(body), nil
}
