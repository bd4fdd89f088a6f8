package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alloybot/alloy/internal/breaker"
	"github.com/alloybot/alloy/internal/observability"
)

// TeamsNotifier posts to Microsoft Teams incoming webhooks. The
// webhook URL is carried per message because each job may target a
// different channel.
type TeamsNotifier struct {
	httpClient *http.Client
	outbound   *breaker.Executor
	logger     *observability.Logger
}

// NewTeamsNotifier creates a notifier.
func NewTeamsNotifier(outbound *breaker.Executor, logger *observability.Logger) *TeamsNotifier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &TeamsNotifier{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		outbound:   outbound,
		logger:     logger,
	}
}

// Send posts a simple text card to the webhook.
func (n *TeamsNotifier) Send(ctx context.Context, webhookURL, text string) error {
	if webhookURL == "" {
		return errors.New("teams: webhook URL is required")
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("teams: failed to encode payload: %w", err)
	}

	post := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("teams: failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("teams: webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &breaker.HTTPError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("teams: webhook returned %d: %s", resp.StatusCode, body),
			}
		}
		return nil
	}

	if n.outbound != nil {
		err = n.outbound.Do(ctx, "teams:webhook", post)
	} else {
		err = post(ctx)
	}
	if err != nil {
		return err
	}
	n.logger.Debug(ctx, "teams message sent", "length", len(text))
	return nil
}
