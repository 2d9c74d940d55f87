package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/switchyard/internal/audit"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/outbound"
	"github.com/zulandar/switchyard/internal/state"
	"github.com/zulandar/switchyard/internal/tenant"
)

const (
	testPhone  = "549111"
	testTenant = "acme"
)

// --- clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// --- stub flow ---

// stubFlow records every call made to it. Nil hooks fall back to: never
// activate, start at "paso_1", stay on input.
type stubFlow struct {
	name     string
	priority flow.Priority
	activate func(flow.Context) bool
	onStart  func(flow.Context) flow.Result
	onInput  func(flow.Context, flow.Step, flow.Data) flow.Result

	mu     sync.Mutex
	calls  []string
	starts []flow.Context
	inputs []flow.Data
	ends   []flow.Data
}

func newStub(name string, p flow.Priority) *stubFlow {
	return &stubFlow{name: name, priority: p}
}

func (s *stubFlow) note(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *stubFlow) Name() string            { return s.name }
func (s *stubFlow) Priority() flow.Priority { return s.priority }

func (s *stubFlow) ShouldActivate(_ context.Context, fc flow.Context) bool {
	s.note("activate")
	if s.activate == nil {
		return false
	}
	return s.activate(fc)
}

func (s *stubFlow) Start(_ context.Context, fc flow.Context) flow.Result {
	s.note("start")
	s.mu.Lock()
	s.starts = append(s.starts, fc)
	s.mu.Unlock()
	if s.onStart == nil {
		return flow.Next("paso_1", nil)
	}
	return s.onStart(fc)
}

func (s *stubFlow) OnInput(_ context.Context, fc flow.Context, step flow.Step, data flow.Data) flow.Result {
	s.note("input")
	s.mu.Lock()
	s.inputs = append(s.inputs, data)
	s.mu.Unlock()
	if s.onInput == nil {
		return flow.Stay(nil)
	}
	return s.onInput(fc, step, data)
}

func (s *stubFlow) OnEnd(_ context.Context, _ flow.Context, data flow.Data) {
	s.note("end")
	s.mu.Lock()
	s.ends = append(s.ends, data)
	s.mu.Unlock()
}

func (s *stubFlow) count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

func onKeyword(word string) func(flow.Context) bool {
	return func(fc flow.Context) bool { return fc.Text == word }
}

// panicFlow fails the test run if the engine ever hands it a message.
type panicFlow struct{ name string }

func (p panicFlow) Name() string                                      { return p.name }
func (p panicFlow) Priority() flow.Priority                           { return flow.PriorityNormal }
func (p panicFlow) ShouldActivate(context.Context, flow.Context) bool { return false }
func (p panicFlow) Start(context.Context, flow.Context) flow.Result {
	panic("Start called on " + p.name)
}
func (p panicFlow) OnInput(context.Context, flow.Context, flow.Step, flow.Data) flow.Result {
	panic("OnInput called on " + p.name)
}

// --- fixture ---

type fixture struct {
	eng     *Engine
	store   *state.SQLStore
	audit   *audit.GormRecorder
	sender  *outbound.Recorder
	clock   *fakeClock
	metrics *prometheus.Registry
}

type fixtureOpt func(*Opts)

func withTenants(d tenant.Directory) fixtureOpt {
	return func(o *Opts) { o.Tenants = d }
}

func newFixture(t *testing.T, flows []flow.Flow, opts ...fixtureOpt) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	clock := newFakeClock()
	store, err := state.NewSQLStore(state.SQLStoreOpts{DB: gdb, Now: clock.Now})
	require.NoError(t, err)
	rec, err := audit.NewGormRecorder(audit.GormRecorderOpts{DB: gdb, Now: clock.Now})
	require.NoError(t, err)
	sender := outbound.NewRecorder()
	reg := prometheus.NewRegistry()

	o := Opts{
		Store:   store,
		Sender:  sender,
		Audit:   rec,
		Metrics: metrics.New(reg),
		Now:     clock.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	eng, err := New(o)
	require.NoError(t, err)
	for _, f := range flows {
		require.NoError(t, eng.RegisterFlow(f))
	}
	return &fixture{eng: eng, store: store, audit: rec, sender: sender, clock: clock, metrics: reg}
}

func (f *fixture) send(t *testing.T, text string) Outcome {
	t.Helper()
	out, err := f.eng.HandleMessage(context.Background(), flow.Context{Phone: testPhone, TenantID: testTenant, Text: text})
	require.NoError(t, err)
	return out
}

func (f *fixture) state(t *testing.T) *models.Conversation {
	t.Helper()
	conv, err := f.eng.GetState(context.Background(), testPhone, testTenant)
	require.NoError(t, err)
	require.NotNil(t, conv, "conversation should exist")
	return conv
}

// seed writes a conversation directly through the store. A conversation
// seeded at a step counts as started.
func (f *fixture) seed(t *testing.T, mutate func(c *models.Conversation)) {
	t.Helper()
	ctx := context.Background()
	conv, err := f.store.LoadOrCreate(ctx, state.Key{Phone: testPhone, TenantID: testTenant})
	require.NoError(t, err)
	mutate(conv)
	if conv.CurrentStep != "" {
		conv.Started = true
	}
	require.NoError(t, f.store.Save(ctx, conv))
}

func (f *fixture) auditKinds(t *testing.T) []string {
	t.Helper()
	events, err := f.audit.History(context.Background(), testPhone, testTenant, 0)
	require.NoError(t, err)
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind + ":" + ev.FlowName
	}
	return kinds
}
