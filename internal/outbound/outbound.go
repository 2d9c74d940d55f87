// Package outbound delivers text messages to a conversation's user.
package outbound

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Message is a single outbound text for one user.
type Message struct {
	Phone     string // recipient
	TenantID  string
	ChannelID string // tenant's outbound channel, platform specific
	Text      string
}

// Validate rejects messages with no recipient or no text.
func (m Message) Validate() error {
	if m.Phone == "" {
		return fmt.Errorf("outbound: phone is required")
	}
	if m.Text == "" {
		return fmt.Errorf("outbound: text is required")
	}
	return nil
}

// Sender delivers messages. Implementations must not retry a message once
// the platform has accepted it.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to a logger instead of a chat platform.
type LogSender struct {
	log zerolog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{log: logger.With().Str("component", "outbound").Logger()}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.log.Info().
		Str("phone", msg.Phone).
		Str("tenant", msg.TenantID).
		Str("channel", msg.ChannelID).
		Str("text", msg.Text).
		Msg("outbound message")
	return nil
}

// Recorder captures sent messages in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records msg, or returns the configured failure.
func (r *Recorder) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

// FailWith makes every following Send return err. A nil err restores
// normal delivery.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Sent returns a copy of all recorded messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}

// Texts returns the recorded texts sent to phone, in order.
func (r *Recorder) Texts(phone string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.sent {
		if m.Phone == phone {
			out = append(out, m.Text)
		}
	}
	return out
}

// Last returns the most recently recorded message.
func (r *Recorder) Last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return Message{}, false
	}
	return r.sent[len(r.sent)-1], true
}

// Reset drops every recorded message.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
