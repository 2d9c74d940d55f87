package engine

import (
	"context"

	"github.com/zulandar/switchyard/internal/arbiter"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/outbound"
	"github.com/zulandar/switchyard/internal/state"
)

// Outcome is the result of dispatching one inbound message.
type Outcome struct {
	// Handled is false when no flow took the message or the flow failed;
	// callers then fall back to a default responder.
	Handled bool         `json:"handled"`
	Result  *flow.Result `json:"result,omitempty"`
}

// HandleMessage dispatches an inbound message to the conversation's active
// flow, or runs idle selection when there is none. A returned error means
// the state could not be loaded or persisted; flow failures are reported
// through the Outcome.
func (e *Engine) HandleMessage(ctx context.Context, fc flow.Context) (Outcome, error) {
	key := state.Key{Phone: fc.Phone, TenantID: fc.TenantID}
	if err := validKey(key); err != nil {
		return Outcome{}, err
	}
	e.freeze()

	began := e.now()
	defer func() { e.metrics.ObserveDispatch(e.now().Sub(began)) }()

	if fc.ChannelID == "" {
		ch, err := e.channelFor(ctx, fc.TenantID)
		if err != nil {
			e.log.Warn().Err(err).Str("tenant", fc.TenantID).Msg("channel lookup failed")
		}
		fc.ChannelID = ch
	}

	o := e.begin(key, "message")
	var out Outcome
	err := e.withKey(key, func() error {
		var err error
		out, err = o.dispatch(ctx, fc)
		return err
	})
	switch {
	case err != nil:
		e.metrics.Message(metrics.OutcomeError)
	case o.conv != nil && o.conv.Paused:
		e.metrics.Message(metrics.OutcomePaused)
	case out.Handled:
		e.metrics.Message(metrics.OutcomeHandled)
	default:
		e.metrics.Message(metrics.OutcomeUnhandled)
	}
	return out, err
}

func (o *op) dispatch(ctx context.Context, fc flow.Context) (Outcome, error) {
	if err := o.load(ctx); err != nil {
		return Outcome{}, err
	}

	if o.conv.Paused {
		return o.absorb(ctx, fc)
	}

	if !o.conv.Idle() {
		f, ok := o.e.registry.Lookup(o.conv.ActiveFlow)
		if ok {
			return o.continueFlow(ctx, f, fc)
		}
		o.log.Warn().Str("flow", o.conv.ActiveFlow).Msg("active flow is not registered, clearing")
		o.conv.ClearActive()
	}

	return o.selectIdle(ctx, fc)
}

// absorb answers a paused conversation with the paused notice. The flow is
// not invoked and its step and data are left alone.
func (o *op) absorb(ctx context.Context, fc flow.Context) (Outcome, error) {
	err := o.e.sender.Send(ctx, outbound.Message{
		Phone:     fc.Phone,
		TenantID:  fc.TenantID,
		ChannelID: fc.ChannelID,
		Text:      o.e.pausedNotice,
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("paused notice not sent")
	}
	if err := o.save(ctx); err != nil {
		return Outcome{}, err
	}
	o.log.Debug().Str("paused_by", o.conv.PausedBy).Msg("message absorbed by pause")
	return Outcome{Handled: true}, nil
}

// continueFlow feeds the message to the active flow. A flow promoted from
// the pending queue has not started yet and is started instead.
func (o *op) continueFlow(ctx context.Context, f flow.Flow, fc flow.Context) (Outcome, error) {
	var (
		res     flow.Result
		handled bool
		err     error
	)
	if !o.conv.Started {
		if len(fc.Data) == 0 {
			fc.Data = o.data()
		}
		res, handled, err = o.start(ctx, f, fc)
	} else {
		res = f.OnInput(ctx, fc, o.step(), o.data())
		handled, err = o.apply(ctx, f, fc, res, false)
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: handled, Result: &res}, nil
}

// selectIdle evaluates registered flows by priority and starts the first
// that wants the message. A failing Start aborts without trying the rest.
func (o *op) selectIdle(ctx context.Context, fc flow.Context) (Outcome, error) {
	f, ok := arbiter.Select(ctx, o.e.ordered, fc)
	if !ok {
		if err := o.save(ctx); err != nil {
			return Outcome{}, err
		}
		return Outcome{Handled: false}, nil
	}

	o.activate(f, nil)
	res, handled, err := o.start(ctx, f, fc)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Handled: handled, Result: &res}, nil
}
