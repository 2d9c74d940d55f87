// Package flow defines the contract every conversation handler implements,
// and the registry that holds the handlers known to an engine.
package flow

import (
	"context"
	"fmt"
)

// Priority ranks flows against each other. A flow's priority decides both
// the order in which idle conversations evaluate it and whether a
// programmatic start may displace another flow.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric weight of p; higher ranks win. Unknown values
// rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// ParsePriority converts a stored priority string. An empty string maps to
// normal, the idle default.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("flow: unknown priority %q", s)
	}
	return p, nil
}

// Step names a flow's internal state. The empty Step means "none": the flow
// has not run its Start yet.
type Step string

// None is the absent step.
const None Step = ""

// Data is a flow's private scratch space, carried across steps.
type Data map[string]any

// Context is what a flow sees of the inbound message (or the programmatic
// trigger) it is handling.
type Context struct {
	Phone            string
	TenantID         string
	Text             string // raw message text; empty for programmatic starts
	InteractiveReply string // button or quick-reply token, if any
	ChannelID        string // outbound channel for replies
	SenderName       string
	Data             Data // caller-supplied bag, used by programmatic starts
}

// Flow is a pluggable, named conversation handler.
type Flow interface {
	// Name is the unique registry key.
	Name() string

	// Priority is fixed for the lifetime of the flow.
	Priority() Priority

	// ShouldActivate is evaluated for idle conversations. It must not touch
	// conversation state; it may consult other systems.
	ShouldActivate(ctx context.Context, fc Context) bool

	// Start runs the first time the flow becomes active.
	Start(ctx context.Context, fc Context) Result

	// OnInput runs for every later message while the flow is active. It
	// receives only the flow's own step and data.
	OnInput(ctx context.Context, fc Context, step Step, data Data) Result
}

// Ender is an optional interface for flows that need cleanup when they
// terminate, either by ending normally or by being cancelled.
type Ender interface {
	OnEnd(ctx context.Context, fc Context, data Data)
}
