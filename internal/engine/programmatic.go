package engine

import (
	"context"
	"fmt"

	"github.com/zulandar/switchyard/internal/arbiter"
	"github.com/zulandar/switchyard/internal/audit"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/state"
)

// StartFlow starts the named flow for a conversation without an inbound
// message, as reminders and other scheduled jobs do.
//
// When another flow is active, a strictly higher priority preempts it: the
// displaced flow's name goes to the front of the pending queue and its step
// and data are dropped, so it restarts from scratch when it is popped. An
// equal or lower priority is queued at the tail instead and the returned
// result carries no step. Starting the flow that is already active is a
// no-op: its step and data are kept and initial is dropped with a warning.
// A started flow leaves the pending queue if it was waiting there.
func (e *Engine) StartFlow(ctx context.Context, phone, tenantID, name string, initial flow.Data) (flow.Result, error) {
	key := state.Key{Phone: phone, TenantID: tenantID}
	if err := validKey(key); err != nil {
		return flow.Result{}, err
	}
	f, ok := e.registry.Lookup(name)
	if !ok {
		return flow.Result{}, fmt.Errorf("engine: start %q: %w", name, flow.ErrUnknownFlow)
	}
	e.freeze()

	channelID, err := e.channelFor(ctx, tenantID)
	if err != nil {
		return flow.Result{}, fmt.Errorf("engine: start %q: %w", name, err)
	}

	o := e.begin(key, "start")
	var res flow.Result
	err = e.withKey(key, func() error {
		var err error
		res, err = o.startFlow(ctx, f, flow.Context{
			Phone:     phone,
			TenantID:  tenantID,
			ChannelID: channelID,
			Data:      flow.Merge(initial, nil),
		})
		return err
	})
	return res, err
}

func (o *op) startFlow(ctx context.Context, f flow.Flow, fc flow.Context) (flow.Result, error) {
	if err := o.load(ctx); err != nil {
		return flow.Result{}, err
	}
	name := f.Name()

	if !o.conv.Idle() {
		if o.conv.ActiveFlow == name {
			if len(fc.Data) > 0 {
				o.log.Warn().Str("flow", name).Interface("dropped", fc.Data).Msg("flow already active, initial data dropped")
			} else {
				o.log.Debug().Str("flow", name).Msg("flow already active")
			}
			return flow.Result{Success: true, NextStep: o.step()}, nil
		}
		active, ok := o.e.registry.Lookup(o.conv.ActiveFlow)
		switch {
		case !ok:
			o.log.Warn().Str("flow", o.conv.ActiveFlow).Msg("active flow is not registered, clearing")
			o.conv.ClearActive()
		case arbiter.Decide(active.Priority(), f.Priority()) == arbiter.Enqueue:
			return flow.Result{Success: true}, o.enqueue(ctx, name)
		default:
			displaced, step := active.Name(), o.step()
			o.conv.SetPending(arbiter.PushFront(o.conv.Pending(), displaced))
			o.log.Info().Str("flow", displaced).Str("by", name).Msg("flow preempted")
			o.recordOnSave(audit.KindPreempted, displaced, step, map[string]any{"by": name})
		}
	}

	o.activate(f, fc.Data)
	res, _, err := o.start(ctx, f, fc)
	if err != nil {
		return flow.Result{}, err
	}
	return res, nil
}

// EnqueueFlow appends name to the conversation's pending queue unless it is
// already queued.
func (e *Engine) EnqueueFlow(ctx context.Context, phone, tenantID, name string) error {
	key := state.Key{Phone: phone, TenantID: tenantID}
	if err := validKey(key); err != nil {
		return err
	}
	if _, ok := e.registry.Lookup(name); !ok {
		return fmt.Errorf("engine: enqueue %q: %w", name, flow.ErrUnknownFlow)
	}
	e.freeze()

	o := e.begin(key, "enqueue")
	return e.withKey(key, func() error {
		if err := o.load(ctx); err != nil {
			return err
		}
		return o.enqueue(ctx, name)
	})
}

func (o *op) enqueue(ctx context.Context, name string) error {
	q, added := arbiter.Append(o.conv.Pending(), name)
	if !added {
		return nil
	}
	o.conv.SetPending(q)
	if err := o.save(ctx); err != nil {
		return err
	}
	o.log.Info().Str("flow", name).Int("position", len(q)).Msg("flow enqueued")
	o.record(ctx, audit.KindEnqueued, name, flow.None, map[string]any{"position": len(q)})
	return nil
}

// CancelFlow ends the active flow, calling its OnEnd, and drops the whole
// pending queue along with the conversation record. Cancelling a
// conversation that does not exist is a no-op.
func (e *Engine) CancelFlow(ctx context.Context, phone, tenantID string) error {
	key := state.Key{Phone: phone, TenantID: tenantID}
	if err := validKey(key); err != nil {
		return err
	}
	e.freeze()

	o := e.begin(key, "cancel")
	return e.withKey(key, func() error {
		conv, err := e.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("engine: cancel %s: %w", key, err)
		}
		if conv == nil {
			return nil
		}
		o.conv = conv

		name, step, data := conv.ActiveFlow, o.step(), o.data()
		dropped := conv.Pending()
		if f, ok := e.registry.Lookup(name); ok {
			channelID, err := e.channelFor(ctx, tenantID)
			if err != nil {
				o.log.Warn().Err(err).Msg("channel lookup failed")
			}
			o.onEnd(ctx, f, flow.Context{Phone: phone, TenantID: tenantID, ChannelID: channelID, Data: data}, data)
		}

		if err := e.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("engine: cancel %s: %w", key, err)
		}
		o.log.Info().Str("flow", name).Strs("dropped", dropped).Msg("conversation cancelled")
		o.record(ctx, audit.KindCancelled, name, step, map[string]any{"dropped": dropped})
		return nil
	})
}
