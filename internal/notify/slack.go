// Package notify delivers scheduler results to chat channels. All
// senders route outbound HTTP through the retry executor so a flapping
// webhook cannot wedge the trigger loop.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/alloybot/alloy/internal/breaker"
	"github.com/alloybot/alloy/internal/observability"
)

// SlackNotifier posts messages via the Slack Web API.
type SlackNotifier struct {
	client   *slack.Client
	outbound *breaker.Executor
	logger   *observability.Logger
}

// NewSlackNotifier creates a notifier from a bot token.
func NewSlackNotifier(botToken string, outbound *breaker.Executor, logger *observability.Logger) (*SlackNotifier, error) {
	if botToken == "" {
		return nil, errors.New("slack: bot token is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SlackNotifier{
		client:   slack.New(botToken),
		outbound: outbound,
		logger:   logger,
	}, nil
}

// SendMessage posts markdown text to a channel.
func (n *SlackNotifier) SendMessage(ctx context.Context, channelID, text string) error {
	post := func(ctx context.Context) error {
		_, _, err := n.client.PostMessageContext(ctx, channelID,
			slack.MsgOptionText(text, false),
			slack.MsgOptionDisableLinkUnfurl(),
		)
		if err != nil {
			return fmt.Errorf("failed to send Slack message: %w", err)
		}
		return nil
	}

	var err error
	if n.outbound != nil {
		err = n.outbound.Do(ctx, "slack:chat.postMessage", post)
	} else {
		err = post(ctx)
	}
	if err != nil {
		return err
	}
	n.logger.Debug(ctx, "slack message sent", "channel", channelID, "length", len(text))
	return nil
}
