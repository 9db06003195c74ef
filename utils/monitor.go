package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Send outcomes used as the "result" label of the send counters.
const (
	SendResultSuccess       = "success"
	SendResultNotReady      = "not_ready"
	SendResultTimeout       = "timeout"
	SendResultNotRegistered = "not_registered"
	SendResultFailed        = "failed"
)

// Metrics collects session manager counters. A nil *Metrics is valid and
// records nothing, which keeps call sites free of nil checks.
type Metrics struct {
	activeSessions   prometheus.Gauge
	transitions      *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	pairingCodes     prometheus.Counter
	credentialWrites *prometheus.CounterVec
	sends            *prometheus.CounterVec
	sendDuration     prometheus.Histogram
	reaped           prometheus.Counter
	teardownErrors   prometheus.Counter
}

// NewMetrics registers the collectors with reg. Passing nil creates
// collectors that are not registered anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wa_sessions_active",
			Help: "Number of tenant sessions held in memory",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_session_transitions_total",
			Help: "Session status transitions by target status",
		}, []string{"status"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_session_disconnects_total",
			Help: "Transport disconnects by classified kind and decision",
		}, []string{"kind", "decision"}),
		pairingCodes: factory.NewCounter(prometheus.CounterOpts{
			Name: "wa_pairing_challenges_total",
			Help: "Pairing challenges received from transports",
		}),
		credentialWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_credential_writes_total",
			Help: "Credential persist operations by result",
		}, []string{"result"}),
		sends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_messages_sent_total",
			Help: "Outbound message attempts by result",
		}, []string{"result"}),
		sendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wa_message_send_duration_seconds",
			Help:    "Time spent in the transport per send",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		reaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "wa_sessions_reaped_total",
			Help: "Idle sessions evicted by the reaper",
		}),
		teardownErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "wa_teardown_errors_total",
			Help: "Errors swallowed during background transport teardown",
		}),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordDisconnect(kind, decision string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(kind, decision).Inc()
}

func (m *Metrics) RecordPairingChallenge() {
	if m == nil {
		return
	}
	m.pairingCodes.Inc()
}

func (m *Metrics) RecordCredentialWrite(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.credentialWrites.WithLabelValues("error").Inc()
		return
	}
	m.credentialWrites.WithLabelValues("ok").Inc()
}

// RecordSend counts a send outcome. Sends that never reached the transport
// pass a zero duration and are left out of the latency histogram.
func (m *Metrics) RecordSend(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
	if took > 0 {
		m.sendDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) RecordReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}

func (m *Metrics) RecordTeardownError() {
	if m == nil {
		return
	}
	m.teardownErrors.Inc()
}
