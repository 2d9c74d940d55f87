// Package discord implements outbound.Sender over the Discord REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/zulandar/switchyard/internal/outbound"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxBackoff caps the exponential backoff between retries.
	maxBackoff = 30 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Sender posts conversation messages to a Discord channel.
type Sender struct {
	sess        session
	channelID   string
	baseBackoff time.Duration
	log         zerolog.Logger
}

// SenderOpts holds parameters for creating a Discord Sender.
type SenderOpts struct {
	BotToken  string // Discord bot token, without the "Bot " prefix
	ChannelID string // default channel to post to
	Logger    *zerolog.Logger
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Sender. No gateway connection is opened; messages
// go out over REST.
func New(opts SenderOpts) (*Sender, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	s := &Sender{
		sess:        opts.Session,
		channelID:   opts.ChannelID,
		baseBackoff: time.Second,
		log:         zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "discord").Logger()
	}
	if s.sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		s.sess = dg
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
		return fmt.Errorf("discord: no channel for tenant %q", msg.TenantID)
	}

	content := "**" + msg.Phone + "**: " + msg.Text
	err := s.retryOnRateLimit(ctx, func() error {
		_, sendErr := s.sess.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries with exponential backoff on HTTP 429
// responses only. It respects context cancellation.
func (s *Sender) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !isRateLimited(err) {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
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

func isRateLimited(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		return restErr.Response != nil && restErr.Response.StatusCode == http.StatusTooManyRequests
	}
	var rle *discordgo.RateLimitError
	return errors.As(err, &rle)
}
