// Package slack implements outbound.Sender by posting to a tenant's Slack
// channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/switchyard/internal/outbound"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Sender posts conversation messages to Slack.
type Sender struct {
	client      slackClient
	channelID   string // fallback when a message carries no channel
	baseBackoff time.Duration
	log         zerolog.Logger
}

// SenderOpts holds parameters for creating a Slack Sender.
type SenderOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // default channel to post to
	Logger    *zerolog.Logger
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Sender.
func New(opts SenderOpts) (*Sender, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	s := &Sender{
		client:      opts.Client,
		channelID:   opts.ChannelID,
		baseBackoff: time.Second,
		log:         zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "slack").Logger()
	}
	if s.client == nil {
		s.client = slackapi.New(opts.BotToken)
	}
	return s, nil
}

// Send implements outbound.Sender.
func (s *Sender) Send(ctx context.Context, msg outbound.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	channelID := msg.ChannelID
	if channelID == "" {
		channelID = s.channelID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel for tenant %q", msg.TenantID)
	}

	text := formatText(msg)
	err := s.retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessage(channelID,
			slackapi.MsgOptionText(text, false),
			slackapi.MsgOptionDisableLinkUnfurl(),
		)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// formatText prefixes the text with the recipient so operators watching the
// channel can tell conversations apart.
func formatText(msg outbound.Message) string {
	return "*" + msg.Phone + "*: " + msg.Text
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors. A
// rate-limited post was rejected, so retrying it cannot duplicate a message;
// any other error, including timeouts, is returned as is.
func (s *Sender) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		}
		s.log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("rate limited, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
