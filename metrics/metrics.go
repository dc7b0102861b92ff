// Package metrics provides Prometheus instrumentation for SSH device sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sshdevice"

// Metrics provides Prometheus metrics for the client session stack.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// BytesTotal counts payload bytes through the packet codec.
	// Label values: "in", "out".
	BytesTotal *prometheus.CounterVec

	// PacketsTotal counts transport records by direction.
	PacketsTotal *prometheus.CounterVec

	// KeyExchangesTotal counts completed key exchanges by kex algorithm.
	KeyExchangesTotal *prometheus.CounterVec

	// IntegrityFailuresTotal counts records rejected by MAC or AEAD verification.
	IntegrityFailuresTotal prometheus.Counter

	// AuthAttemptsTotal counts authentication attempts by method and result.
	// Result label values: "success", "failure".
	AuthAttemptsTotal *prometheus.CounterVec

	// ConnectsTotal counts Connect outcomes by status name.
	ConnectsTotal *prometheus.CounterVec

	// CommandsTotal counts commands fully written to the shell channel.
	CommandsTotal prometheus.Counter

	// DeliveriesTotal counts callback invocations.
	DeliveriesTotal prometheus.Counter

	// SessionState tracks the number of devices per session state.
	SessionState *prometheus.GaugeVec
}

// New creates and registers metrics with the given registerer. If reg is
// nil, metrics are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Total payload bytes sent and received",
		}, []string{"direction"}),
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "packets_total",
			Help:      "Total binary packets sent and received",
		}, []string{"direction"}),
		KeyExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "key_exchanges_total",
			Help:      "Total completed key exchanges, including rekeys",
		}, []string{"algorithm"}),
		IntegrityFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "integrity_failures_total",
			Help:      "Total records that failed integrity verification",
		}),
		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total authentication attempts",
		}, []string{"method", "result"}),
		ConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "connects_total",
			Help:      "Total Connect calls by resulting status",
		}, []string{"status"}),
		CommandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "commands_total",
			Help:      "Total commands written to the shell channel",
		}),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Total output callback invocations",
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "sessions",
			Help:      "Current number of devices per session state",
		}, []string{"state"}),
	}

	if reg != nil {
		m.BytesTotal = registerOrReuse(reg, m.BytesTotal).(*prometheus.CounterVec)
		m.PacketsTotal = registerOrReuse(reg, m.PacketsTotal).(*prometheus.CounterVec)
		m.KeyExchangesTotal = registerOrReuse(reg, m.KeyExchangesTotal).(*prometheus.CounterVec)
		m.IntegrityFailuresTotal = registerOrReuse(reg, m.IntegrityFailuresTotal).(prometheus.Counter)
		m.AuthAttemptsTotal = registerOrReuse(reg, m.AuthAttemptsTotal).(*prometheus.CounterVec)
		m.ConnectsTotal = registerOrReuse(reg, m.ConnectsTotal).(*prometheus.CounterVec)
		m.CommandsTotal = registerOrReuse(reg, m.CommandsTotal).(prometheus.Counter)
		m.DeliveriesTotal = registerOrReuse(reg, m.DeliveriesTotal).(prometheus.Counter)
		m.SessionState = registerOrReuse(reg, m.SessionState).(*prometheus.GaugeVec)
	}

	return m
}

// registerOrReuse registers c, returning the already registered collector
// when an identical one exists.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) RecordPacket(direction string, payloadBytes int) {
	if m == nil {
		return
	}
	m.PacketsTotal.WithLabelValues(direction).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(payloadBytes))
}

func (m *Metrics) RecordKeyExchange(algorithm string) {
	if m == nil {
		return
	}
	m.KeyExchangesTotal.WithLabelValues(algorithm).Inc()
}

func (m *Metrics) RecordIntegrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailuresTotal.Inc()
}

func (m *Metrics) RecordAuthAttempt(method string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.AuthAttemptsTotal.WithLabelValues(method, result).Inc()
}

func (m *Metrics) RecordConnect(status string) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCommand() {
	if m == nil {
		return
	}
	m.CommandsTotal.Inc()
}

func (m *Metrics) RecordDelivery() {
	if m == nil {
		return
	}
	m.DeliveriesTotal.Inc()
}

// SetState moves one device from state from to state to. An empty from is
// ignored, for a device entering its first state.
func (m *Metrics) SetState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.SessionState.WithLabelValues(from).Dec()
	}
	m.SessionState.WithLabelValues(to).Inc()
}
