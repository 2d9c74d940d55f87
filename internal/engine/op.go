package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/zulandar/switchyard/internal/arbiter"
	"github.com/zulandar/switchyard/internal/audit"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/state"
)

// op is one locked operation on a single conversation.
type op struct {
	e    *Engine
	key  state.Key
	id   string
	log  zerolog.Logger
	conv *models.Conversation

	// afterSave holds audit entries for changes not yet persisted. The next
	// successful save writes them; a failed save drops them.
	afterSave []audit.Entry
}

// load fetches or creates the conversation and stamps the interaction time.
func (o *op) load(ctx context.Context) error {
	conv, err := o.e.store.LoadOrCreate(ctx, o.key)
	if err != nil {
		return fmt.Errorf("engine: load %s: %w", o.key, err)
	}
	conv.LastInteractionAt = o.e.now().UTC()
	o.conv = conv
	return nil
}

func (o *op) save(ctx context.Context) error {
	if err := o.e.store.Save(ctx, o.conv); err != nil {
		if errors.Is(err, state.ErrStaleState) {
			o.e.metrics.StaleSave()
		}
		o.log.Error().Err(err).Msg("save conversation failed")
		o.afterSave = nil
		return fmt.Errorf("engine: save %s: %w", o.key, err)
	}
	queued := o.afterSave
	o.afterSave = nil
	for _, entry := range queued {
		o.record(ctx, entry.Kind, entry.Flow, flow.Step(entry.Step), entry.Payload)
	}
	return nil
}

// recordOnSave queues an audit entry until the conversation is saved.
func (o *op) recordOnSave(kind audit.Kind, flowName string, step flow.Step, payload map[string]any) {
	o.afterSave = append(o.afterSave, audit.Entry{Kind: kind, Flow: flowName, Step: string(step), Payload: payload})
}

// record writes an audit entry. Audit failures are logged, never returned.
func (o *op) record(ctx context.Context, kind audit.Kind, flowName string, step flow.Step, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["dispatch_id"] = o.id
	err := o.e.audit.Record(ctx, audit.Entry{
		Kind:     kind,
		Phone:    o.key.Phone,
		TenantID: o.key.TenantID,
		Flow:     flowName,
		Step:     string(step),
		Payload:  payload,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("event", string(kind)).Msg("audit record failed")
	}
	o.e.metrics.FlowEvent(flowName, string(kind))
}

func (o *op) data() flow.Data {
	return flow.Merge(flow.Data(o.conv.WorkingData), nil)
}

func (o *op) step() flow.Step {
	return flow.Step(o.conv.CurrentStep)
}

// activate makes f the active flow with a fresh step and the given data,
// taking it off the pending queue.
func (o *op) activate(f flow.Flow, data flow.Data) {
	o.conv.ActiveFlow = f.Name()
	o.conv.Priority = string(f.Priority())
	o.conv.CurrentStep = string(flow.None)
	o.conv.Started = false
	o.conv.SetPending(arbiter.Remove(o.conv.Pending(), f.Name()))
	o.conv.WorkingData = datatypes.JSONMap(flow.Merge(data, nil))
}

// start runs f's Start for the flow just activated and applies the result.
func (o *op) start(ctx context.Context, f flow.Flow, fc flow.Context) (flow.Result, bool, error) {
	o.log.Debug().Str("flow", f.Name()).Msg("starting flow")
	res := f.Start(ctx, fc)
	handled, err := o.apply(ctx, f, fc, res, true)
	return res, handled, err
}

// apply folds a flow result into the conversation, persists it, and writes
// the matching audit entries. The returned bool is false when the flow
// failed and was aborted.
func (o *op) apply(ctx context.Context, f flow.Flow, fc flow.Context, res flow.Result, started bool) (bool, error) {
	name := f.Name()
	log := o.log.With().Str("flow", name).Logger()

	switch {
	case !res.Success:
		prev := o.step()
		o.conv.ClearActive()
		if err := o.save(ctx); err != nil {
			return false, err
		}
		phase := "input"
		if started {
			phase = "start"
		}
		log.Warn().Str("step", string(prev)).Str("error", res.Error).Str("phase", phase).Msg("flow aborted")
		o.record(ctx, audit.KindError, name, prev, map[string]any{"error": res.Error, "phase": phase})
		return false, nil

	case res.End:
		final := flow.Merge(o.data(), res.DataPatch)
		prev := o.step()
		o.onEnd(ctx, f, fc, final)
		next := o.popNext()
		if err := o.save(ctx); err != nil {
			return true, err
		}
		if started {
			o.record(ctx, audit.KindStarted, name, flow.None, nil)
		}
		payload := map[string]any{}
		if next != "" {
			payload["next"] = next
		}
		log.Info().Str("step", string(prev)).Str("next", next).Msg("flow ended")
		o.record(ctx, audit.KindEnded, name, prev, payload)
		return true, nil

	default:
		prev := o.step()
		o.conv.WorkingData = datatypes.JSONMap(flow.Merge(o.data(), res.DataPatch))
		if res.NextStep != flow.None {
			o.conv.CurrentStep = string(res.NextStep)
		}
		if started {
			o.conv.Started = true
		}
		if err := o.save(ctx); err != nil {
			return true, err
		}
		cur := o.step()
		switch {
		case started:
			log.Info().Str("step", string(cur)).Msg("flow started")
			o.record(ctx, audit.KindStarted, name, cur, nil)
		case cur != prev:
			log.Debug().Str("from", string(prev)).Str("step", string(cur)).Msg("flow transitioned")
			o.record(ctx, audit.KindTransitioned, name, cur, map[string]any{"from": string(prev)})
		}
		return true, nil
	}
}

// onEnd invokes the optional cleanup hook.
func (o *op) onEnd(ctx context.Context, f flow.Flow, fc flow.Context, data flow.Data) {
	if ender, ok := f.(flow.Ender); ok {
		ender.OnEnd(ctx, fc, data)
	}
}

// popNext clears the active flow and promotes the head of the pending
// queue, if any. Names no longer registered are dropped. The promoted flow
// has no step yet; its Start runs on the next message.
func (o *op) popNext() string {
	o.conv.ClearActive()
	q := o.conv.Pending()
	for {
		name, rest, ok := arbiter.PopFront(q)
		o.conv.SetPending(rest)
		if !ok {
			return ""
		}
		q = rest
		next, found := o.e.registry.Lookup(name)
		if !found {
			o.log.Warn().Str("flow", name).Msg("dropping unregistered pending flow")
			continue
		}
		o.conv.ActiveFlow = name
		o.conv.Priority = string(next.Priority())
		return name
	}
}
