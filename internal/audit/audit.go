// Package audit records flow lifecycle events.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Kind names a flow lifecycle event.
type Kind string

const (
	KindStarted      Kind = "started"
	KindTransitioned Kind = "transitioned"
	KindEnded        Kind = "ended"
	KindError        Kind = "error"
	KindCancelled    Kind = "cancelled"
	KindPreempted    Kind = "preempted"
	KindEnqueued     Kind = "enqueued"
	KindPaused       Kind = "paused"
	KindResumed      Kind = "resumed"
)

// Entry is one audit record.
type Entry struct {
	Kind     Kind
	Phone    string
	TenantID string
	Flow     string
	Step     string
	Payload  map[string]any
}

func (e Entry) validate() error {
	if e.Kind == "" {
		return fmt.Errorf("audit: kind is required")
	}
	if e.Phone == "" {
		return fmt.Errorf("audit: phone is required")
	}
	if e.TenantID == "" {
		return fmt.Errorf("audit: tenant is required")
	}
	return nil
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Nop discards every entry.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) error { return nil }

// LogRecorder writes entries as structured log lines.
type LogRecorder struct {
	log zerolog.Logger
}

// NewLogRecorder creates a LogRecorder writing to logger.
func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: logger.With().Str("component", "audit").Logger()}
}

// Record implements Recorder.
func (r *LogRecorder) Record(_ context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	ev := r.log.Info().
		Str("event", string(e.Kind)).
		Str("phone", e.Phone).
		Str("tenant", e.TenantID)
	if e.Flow != "" {
		ev = ev.Str("flow", e.Flow)
	}
	if e.Step != "" {
		ev = ev.Str("step", e.Step)
	}
	if len(e.Payload) > 0 {
		ev = ev.Interface("payload", e.Payload)
	}
	ev.Msg("flow event")
	return nil
}

// Multi fans an entry out to several recorders. Every recorder is tried;
// the failures are joined.
func Multi(recorders ...Recorder) Recorder {
	return multi(recorders)
}

type multi []Recorder

func (m multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
