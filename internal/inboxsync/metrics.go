package inboxsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	pushEvents   *prometheus.CounterVec
	resubscribes *prometheus.CounterVec
	sessionState *prometheus.GaugeVec
}

var allStates = []State{StateIdle, StateConnecting, StateActive, StateDegraded, StateClosed}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayinbox",
			Subsystem: "sync",
			Name:      "polls_total",
			Help:      "Poll fetches by scope kind and result.",
		}, []string{"scope", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relayinbox",
			Subsystem: "sync",
			Name:      "poll_duration_seconds",
			Help:      "Duration of poll fetch plus reconcile.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scope"}),
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayinbox",
			Subsystem: "sync",
			Name:      "push_events_total",
			Help:      "Push events by scope kind and reconcile outcome.",
		}, []string{"scope", "outcome"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayinbox",
			Subsystem: "sync",
			Name:      "resubscribe_attempts_total",
			Help:      "Push resubscribe attempts after a drop.",
		}, []string{"scope"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relayinbox",
			Subsystem: "sync",
			Name:      "session_state",
			Help:      "1 for the current state of each scope kind.",
		}, []string{"scope", "state"}),
	}
	if reg != nil {
		reg.MustRegister(m.polls, m.pollDuration, m.pushEvents, m.resubscribes, m.sessionState)
	}
	return m
}

func (m *Metrics) observePoll(kind ScopeKind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(string(kind), result).Inc()
	m.pollDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) observePush(kind ScopeKind, outcome string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) observeResubscribe(kind ScopeKind) {
	if m == nil {
		return
	}
	m.resubscribes.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeState(kind ScopeKind, state State) {
	if m == nil {
		return
	}
	for _, candidate := range allStates {
		value := 0.0
		if candidate == state {
			value = 1
		}
		m.sessionState.WithLabelValues(string(kind), string(candidate)).Set(value)
	}
}
