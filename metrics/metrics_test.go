package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordPacket("in", 10)
	m.RecordKeyExchange("curve25519-sha256")
	m.RecordIntegrityFailure()
	m.RecordAuthAttempt("password", false)
	m.RecordConnect("ok")
	m.RecordCommand()
	m.RecordDelivery()
	m.SetState("", "ready")
}

func TestRecordAndReuse(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordPacket("out", 100)
	m.RecordPacket("out", 28)
	m.RecordAuthAttempt("password", false)
	m.RecordAuthAttempt("password", false)
	m.SetState("", "ready")
	m.SetState("ready", "disconnected")

	assert.Equal(t, 128.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues("out")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsTotal.WithLabelValues("out")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuthAttemptsTotal.WithLabelValues("password", "failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionState.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionState.WithLabelValues("disconnected")))

	// A second set registered against the same registry shares collectors.
	again := New(reg)
	again.RecordCommand()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal))
}
