package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peerprep"

// Invariant violation kinds
const (
	ViolationDuplicateParticipant = "duplicate_participant"
	ViolationSessionPersist       = "session_persist"
)

// Metrics holds the lifecycle collectors of one orchestrator instance.
// A nil *Metrics records nothing.
type Metrics struct {
	queueDepth          prometheus.Gauge
	matchesTotal        prometheus.Counter
	matchTimeoutsTotal  prometheus.Counter
	matchFailuresTotal  *prometheus.CounterVec
	sessionsActive      prometheus.Gauge
	sessionsClosedTotal *prometheus.CounterVec
	violationsTotal     *prometheus.CounterVec
	disconnectsTotal    prometheus.Counter
	commandsTotal       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of match requests waiting for a partner.",
		}),
		matchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Count of matches formed from two pending requests.",
		}),
		matchTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_timeouts_total",
			Help:      "Count of match requests removed after waiting too long.",
		}),
		matchFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_failures_total",
			Help:      "Count of pairings that could not be turned into a session.",
		}, []string{"reason"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions that are active or exit pending.",
		}),
		sessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Count of closed sessions by close reason.",
		}, []string{"reason"}),
		violationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Count of internal invariant violations by kind.",
		}, []string{"kind"}),
		disconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_disconnects_total",
			Help:      "Count of users whose heartbeat lapsed beyond the grace window.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Count of client commands by type and outcome code.",
		}, []string{"type", "code"}),
	}

	reg.MustRegister(
		m.queueDepth,
		m.matchesTotal,
		m.matchTimeoutsTotal,
		m.matchFailuresTotal,
		m.sessionsActive,
		m.sessionsClosedTotal,
		m.violationsTotal,
		m.disconnectsTotal,
		m.commandsTotal,
	)
	return m
}

// SetQueueDepth records the current number of pending requests
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordMatch counts one formed match
func (m *Metrics) RecordMatch() {
	if m == nil {
		return
	}
	m.matchesTotal.Inc()
}

// RecordMatchTimeout counts one expired request
func (m *Metrics) RecordMatchTimeout() {
	if m == nil {
		return
	}
	m.matchTimeoutsTotal.Inc()
}

// RecordMatchFailure counts one pairing that produced no session
func (m *Metrics) RecordMatchFailure(reason string) {
	if m == nil {
		return
	}
	m.matchFailuresTotal.WithLabelValues(reason).Inc()
}

// SessionOpened increments the open session gauge
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the open session gauge and counts the reason
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosedTotal.WithLabelValues(reason).Inc()
}

// RecordInvariantViolation counts a serious internal fault
func (m *Metrics) RecordInvariantViolation(kind string) {
	if m == nil {
		return
	}
	m.violationsTotal.WithLabelValues(kind).Inc()
}

// RecordDisconnect counts one lapsed heartbeat
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.disconnectsTotal.Inc()
}

// RecordCommand counts one handled client command; code is empty on success
func (m *Metrics) RecordCommand(commandType, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.commandsTotal.WithLabelValues(commandType, code).Inc()
}
