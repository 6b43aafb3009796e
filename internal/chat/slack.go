// Package chat posts and edits bot messages in Slack.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/powerbot/internal/models"
	"github.com/devghori1264/aerophoenix/powerbot/internal/render"
)

// SlackAPI is the subset of *slack.Client used by Messenger.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// WebhookPoster delivers a payload to an interaction response URL.
type WebhookPoster func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// Messenger publishes rendered messages to Slack.
type Messenger struct {
	api     SlackAPI
	webhook WebhookPoster
	logger  *zap.Logger
}

func NewMessenger(api SlackAPI, logger *zap.Logger) *Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messenger{api: api, webhook: slack.PostWebhookContext, logger: logger}
}

// WithWebhookPoster swaps the response-URL client, mostly for tests.
func (m *Messenger) WithWebhookPoster(p WebhookPoster) *Messenger {
	m.webhook = p
	return m
}

func msgOptions(msg render.Message) []slack.MsgOption {
	return []slack.MsgOption{
		slack.MsgOptionBlocks(msg.Blocks...),
		slack.MsgOptionText(msg.Text, false),
	}
}

// Publish posts a new message. channel may be a name; the returned location
// always carries the channel id.
func (m *Messenger) Publish(ctx context.Context, channel string, msg render.Message) (models.Location, error) {
	channelID, ts, err := m.api.PostMessageContext(ctx, channel, msgOptions(msg)...)
	if err != nil {
		return models.Location{}, fmt.Errorf("post to %s: %w", channel, err)
	}
	m.logger.Debug("message posted", zap.String("channel", channelID), zap.String("ts", ts))
	return models.Location{ChannelID: channelID, Timestamp: ts}, nil
}

// Update replaces an existing message. It returns models.ErrMessageNotFound
// when the message or its channel is gone.
func (m *Messenger) Update(ctx context.Context, channelID, ts string, msg render.Message) error {
	_, _, _, err := m.api.UpdateMessageContext(ctx, channelID, ts, msgOptions(msg)...)
	if err != nil {
		if isGone(err) {
			return fmt.Errorf("update %s/%s: %w", channelID, ts, models.ErrMessageNotFound)
		}
		return fmt.Errorf("update %s/%s: %w", channelID, ts, err)
	}
	return nil
}

// Respond replaces the message an interaction came from.
func (m *Messenger) Respond(ctx context.Context, responseURL string, msg render.Message) error {
	if responseURL == "" {
		return errors.New("response url required")
	}
	err := m.webhook(ctx, responseURL, &slack.WebhookMessage{
		Text:            msg.Text,
		Blocks:          &slack.Blocks{BlockSet: msg.Blocks},
		ReplaceOriginal: true,
	})
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	return nil
}

func isGone(err error) bool {
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		return resp.Err == "message_not_found" || resp.Err == "channel_not_found"
	}
	return false
}
