// Package engine is the conversation orchestrator. It routes each inbound
// message to the flow that owns the conversation, or picks one when the
// conversation is idle, and applies the flow's result to the stored state.
//
// Every operation on a conversation runs under that conversation's key lock
// for its whole load, mutate, save sequence. Different conversations run in
// parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zulandar/switchyard/internal/arbiter"
	"github.com/zulandar/switchyard/internal/audit"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/outbound"
	"github.com/zulandar/switchyard/internal/state"
	"github.com/zulandar/switchyard/internal/tenant"
)

// DefaultExpiryHorizon is how long an untouched conversation is kept.
const DefaultExpiryHorizon = 24 * time.Hour

// DefaultPausedNotice is sent to users writing into a paused conversation.
const DefaultPausedNotice = "Un operador está atendiendo esta conversación. Te responderemos a la brevedad."

// ErrInvalidContext is returned when a phone or tenant is missing.
var ErrInvalidContext = errors.New("engine: phone and tenant are required")

// Engine coordinates flows, state, and collaborators.
type Engine struct {
	store        state.Store
	registry     *flow.Registry
	audit        audit.Recorder
	sender       outbound.Sender
	tenants      tenant.Directory
	metrics      *metrics.Metrics
	now          func() time.Time
	newID        func() string
	log          zerolog.Logger
	pausedNotice string
	expiry       time.Duration

	locks *keyLocks

	freezeOnce sync.Once
	ordered    []flow.Entry // idle evaluation order, fixed at freeze
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	Store         state.Store
	Sender        outbound.Sender
	Registry      *flow.Registry   // defaults to an empty registry
	Audit         audit.Recorder   // defaults to discarding entries
	Tenants       tenant.Directory // optional; fills channel ids
	Metrics       *metrics.Metrics // optional
	Logger        *zerolog.Logger  // defaults to a no-op logger
	Now           func() time.Time // defaults to time.Now
	PausedNotice  string           // defaults to DefaultPausedNotice
	ExpiryHorizon time.Duration    // defaults to DefaultExpiryHorizon
}

// New creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("engine: sender is required")
	}
	e := &Engine{
		store:        opts.Store,
		registry:     opts.Registry,
		audit:        opts.Audit,
		sender:       opts.Sender,
		tenants:      opts.Tenants,
		metrics:      opts.Metrics,
		now:          opts.Now,
		newID:        func() string { return uuid.NewString() },
		log:          zerolog.Nop(),
		pausedNotice: opts.PausedNotice,
		expiry:       opts.ExpiryHorizon,
		locks:        newKeyLocks(),
	}
	if e.registry == nil {
		e.registry = flow.NewRegistry()
	}
	if e.audit == nil {
		e.audit = audit.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if opts.Logger != nil {
		e.log = opts.Logger.With().Str("component", "engine").Logger()
	}
	if e.pausedNotice == "" {
		e.pausedNotice = DefaultPausedNotice
	}
	if e.expiry <= 0 {
		e.expiry = DefaultExpiryHorizon
	}
	return e, nil
}

// RegisterFlow adds f to the registry. It fails once the engine has
// dispatched anything.
func (e *Engine) RegisterFlow(f flow.Flow) error {
	if err := e.registry.Register(f); err != nil {
		return fmt.Errorf("engine: register: %w", err)
	}
	return nil
}

// Flows returns the registered flows in idle evaluation order.
func (e *Engine) Flows() []flow.Entry {
	return arbiter.Order(e.registry.Entries())
}

// freeze closes registration and fixes the idle evaluation order.
func (e *Engine) freeze() {
	e.freezeOnce.Do(func() {
		e.registry.Freeze()
		e.ordered = arbiter.Order(e.registry.Entries())
		e.log.Info().Int("flows", len(e.ordered)).Msg("flow registry frozen")
	})
}

// GetState returns the stored conversation, or nil when there is none. It
// never creates a record.
func (e *Engine) GetState(ctx context.Context, phone, tenantID string) (*models.Conversation, error) {
	key := state.Key{Phone: phone, TenantID: tenantID}
	if err := validKey(key); err != nil {
		return nil, err
	}
	conv, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("engine: get state %s: %w", key, err)
	}
	return conv, nil
}

// SweepExpired removes conversations idle for longer than the expiry
// horizon. Each removal holds the conversation's key lock and re-checks the
// stored interaction time, so a message in flight keeps its conversation.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	n, err := state.SweepExpired(ctx, e.store, e.expiry, e.withKey)
	e.metrics.Expired(n)
	if err != nil {
		return n, fmt.Errorf("engine: sweep: %w", err)
	}
	if n > 0 {
		e.log.Info().Int64("removed", n).Dur("horizon", e.expiry).Msg("expired conversations removed")
	}
	return n, nil
}

func validKey(key state.Key) error {
	if key.Phone == "" || key.TenantID == "" {
		return fmt.Errorf("%w (phone=%q tenant=%q)", ErrInvalidContext, key.Phone, key.TenantID)
	}
	return nil
}

// withKey runs fn holding the key lock.
func (e *Engine) withKey(key state.Key, fn func() error) error {
	unlock := e.locks.lock(key.String())
	e.metrics.KeyLocks(e.locks.size())
	defer func() {
		unlock()
		e.metrics.KeyLocks(e.locks.size())
	}()
	return fn()
}

// channelFor resolves the tenant's outbound channel. Without a directory
// the channel is left to the sender's default.
func (e *Engine) channelFor(ctx context.Context, tenantID string) (string, error) {
	if e.tenants == nil {
		return "", nil
	}
	t, err := e.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.ChannelID, nil
}

// begin opens an operation on one conversation.
func (e *Engine) begin(key state.Key, kind string) *op {
	id := e.newID()
	log := e.log.With().
		Str("op", kind).
		Str("dispatch_id", id).
		Str("phone", key.Phone).
		Str("tenant", key.TenantID).
		Logger()
	return &op{e: e, key: key, id: id, log: log}
}
