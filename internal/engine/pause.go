package engine

import (
	"context"
	"fmt"

	"github.com/zulandar/switchyard/internal/audit"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/state"
)

// Pause hands the conversation to a human operator. Until Resume, inbound
// messages are answered with the paused notice and never reach a flow. This
// holds for idle conversations too: no flow is selected while paused.
func (e *Engine) Pause(ctx context.Context, phone, tenantID, operator string) error {
	key := state.Key{Phone: phone, TenantID: tenantID}
	if err := validKey(key); err != nil {
		return err
	}
	if operator == "" {
		return fmt.Errorf("engine: pause %s: operator is required", key)
	}

	o := e.begin(key, "pause")
	return e.withKey(key, func() error {
		if err := o.load(ctx); err != nil {
			return err
		}
		now := e.now().UTC()
		o.conv.Paused = true
		o.conv.PausedBy = operator
		o.conv.PausedAt = &now
		if err := o.save(ctx); err != nil {
			return err
		}
		o.log.Info().Str("operator", operator).Msg("conversation paused")
		o.record(ctx, audit.KindPaused, o.conv.ActiveFlow, o.step(), map[string]any{"operator": operator})
		return nil
	})
}

// Resume returns a paused conversation to its flows. The active flow picks
// up at the step it was paused on. Resuming a conversation that is not
// paused is a no-op.
func (e *Engine) Resume(ctx context.Context, phone, tenantID string) error {
	key := state.Key{Phone: phone, TenantID: tenantID}
	if err := validKey(key); err != nil {
		return err
	}

	o := e.begin(key, "resume")
	return e.withKey(key, func() error {
		conv, err := e.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("engine: resume %s: %w", key, err)
		}
		if conv == nil || !conv.Paused {
			return nil
		}
		o.conv = conv
		operator := conv.PausedBy
		conv.Paused = false
		conv.PausedBy = ""
		conv.PausedAt = nil
		if err := o.save(ctx); err != nil {
			return err
		}
		o.log.Info().Str("operator", operator).Msg("conversation resumed")
		o.record(ctx, audit.KindResumed, conv.ActiveFlow, flow.Step(conv.CurrentStep), map[string]any{"operator": operator})
		return nil
	})
}
