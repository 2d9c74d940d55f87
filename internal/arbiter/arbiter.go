// Package arbiter holds the pure decision logic for choosing between
// competing flows: idle selection order, preempt-or-enqueue decisions, and
// the pending-flow queue operations.
package arbiter

import (
	"context"
	"sort"

	"github.com/zulandar/switchyard/internal/flow"
)

// Decision is the outcome of arbitrating a programmatic start against the
// currently active flow.
type Decision int

const (
	// Enqueue leaves the active flow alone and queues the new one at the tail.
	Enqueue Decision = iota
	// Preempt displaces the active flow; its name goes to the queue front.
	Preempt
)

func (d Decision) String() string {
	if d == Preempt {
		return "preempt"
	}
	return "enqueue"
}

// Order returns entries sorted for idle selection: priority descending,
// then registration sequence ascending. The input is not modified.
func Order(entries []flow.Entry) []flow.Entry {
	out := make([]flow.Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Flow.Priority().Rank(), out[j].Flow.Priority().Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Select evaluates ordered candidates and returns the first whose
// ShouldActivate is true. Later candidates are never evaluated.
func Select(ctx context.Context, ordered []flow.Entry, fc flow.Context) (flow.Flow, bool) {
	for _, e := range ordered {
		if e.Flow.ShouldActivate(ctx, fc) {
			return e.Flow, true
		}
	}
	return nil, false
}

// Decide arbitrates a programmatic start of a flow with priority incoming
// while a flow with priority active owns the conversation. Only a strictly
// higher priority preempts.
func Decide(active, incoming flow.Priority) Decision {
	if incoming.Rank() > active.Rank() {
		return Preempt
	}
	return Enqueue
}
