// Package metrics holds the Prometheus collectors for the engine and the
// HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "switchyard"

// Message outcomes.
const (
	OutcomeHandled   = "handled"
	OutcomeUnhandled = "unhandled"
	OutcomePaused    = "paused"
	OutcomeError     = "error"
)

// Metrics groups every collector.
type Metrics struct {
	messages        *prometheus.CounterVec
	flowEvents      *prometheus.CounterVec
	expired         prometheus.Counter
	dispatch        prometheus.Histogram
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	activeKeyLocks  prometheus.Gauge
	staleSaveErrors prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "messages_total",
			Help:      "Inbound messages by dispatch outcome",
		}, []string{"outcome"}),

		flowEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "flow_events_total",
			Help:      "Flow lifecycle events by flow and event kind",
		}, []string{"flow", "event"}),

		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "expired_conversations_total",
			Help:      "Conversations removed by the expiry sweep",
		}),

		dispatch: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent handling one inbound message, lock wait included",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		activeKeyLocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "key_locks",
			Help:      "Conversation keys currently locked or waited on",
		}),

		staleSaveErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "stale_saves_total",
			Help:      "Saves rejected because another writer updated the conversation first",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2},
		}, []string{"method", "route"}),
	}
}

// Message counts one inbound message with its outcome.
func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

// FlowEvent counts one lifecycle event of a flow.
func (m *Metrics) FlowEvent(flow, event string) {
	if m == nil {
		return
	}
	m.flowEvents.WithLabelValues(flow, event).Inc()
}

// Expired adds n swept conversations.
func (m *Metrics) Expired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// ObserveDispatch records how long one message took.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.Observe(d.Seconds())
}

// KeyLocks sets the number of live key locks.
func (m *Metrics) KeyLocks(n int) {
	if m == nil {
		return
	}
	m.activeKeyLocks.Set(float64(n))
}

// StaleSave counts one rejected save.
func (m *Metrics) StaleSave() {
	if m == nil {
		return
	}
	m.staleSaveErrors.Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
