// Package flows holds the business flows a clinic deployment registers with
// the engine.
package flows

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/outbound"
)

// Opts holds the collaborators shared by every flow in this package.
type Opts struct {
	Sender       outbound.Sender
	Appointments Appointments     // optional; confirmations are only acknowledged without it
	Now          func() time.Time // defaults to time.Now
}

// All builds every flow in this package, ready for registration.
func All(opts Opts) ([]flow.Flow, error) {
	menu, err := NewMenu(opts)
	if err != nil {
		return nil, err
	}
	conf, err := NewConfirmation(opts)
	if err != nil {
		return nil, err
	}
	return []flow.Flow{conf, menu}, nil
}

func (o Opts) validate() error {
	if o.Sender == nil {
		return fmt.Errorf("flows: sender is required")
	}
	return nil
}

func (o Opts) clock() func() time.Time {
	if o.Now == nil {
		return time.Now
	}
	return o.Now
}

// reply sends text back to the user the message came from.
func reply(ctx context.Context, s outbound.Sender, fc flow.Context, text string) error {
	err := s.Send(ctx, outbound.Message{
		Phone:     fc.Phone,
		TenantID:  fc.TenantID,
		ChannelID: fc.ChannelID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("flows: reply to %s: %w", fc.Phone, err)
	}
	return nil
}

// normalize lowercases text and strips the punctuation people wrap
// greetings in.
func normalize(text string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(text)), "¡!¿?.,;: ")
}

// firstWord returns the normalized first word of text.
func firstWord(text string) string {
	fields := strings.Fields(normalize(text))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "¡!¿?.,;: ")
}
