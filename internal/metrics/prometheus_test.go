package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	p := NewPrometheusMetricsCollector("cmpp", 0, nil)

	p.IncCounter("commands_total", map[string]string{"command": "CMPP_SUBMIT", "direction": "inbound"})
	p.IncCounter("commands_total", map[string]string{"command": "CMPP_SUBMIT", "direction": "inbound"})
	p.IncCounter("auth_total", map[string]string{"result": "success"})
	p.SetGauge("active_connections", 3, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.counters["commands_total"].WithLabelValues("CMPP_SUBMIT", "inbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.counters["auth_total"].WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.gauges["active_connections"].WithLabelValues()))
}

func TestUnknownNamesAndLabelsAreIgnored(t *testing.T) {
	p := NewPrometheusMetricsCollector("cmpp", 0, nil)
	assert.NotPanics(t, func() {
		p.IncCounter("nope_total", nil)
		p.IncCounter("commands_total", map[string]string{"wrong": "label"})
		p.SetGauge("nope", 1, nil)
		p.ObserveHistogram("nope", 1, nil)
	})
}

func TestHandlerExposesDurations(t *testing.T) {
	p := NewPrometheusMetricsCollector("cmpp", 0, nil)
	p.RecordDuration("command_round_trip", 20*time.Millisecond, map[string]string{"command": "CMPP_ACTIVE_TEST"})
	p.RecordDuration("connection", time.Minute, nil)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cmpp_command_round_trip_duration_seconds_count{command="CMPP_ACTIVE_TEST"} 1`)
	assert.Contains(t, string(body), "cmpp_connection_duration_seconds_count 1")
}

func TestMultiFansOut(t *testing.T) {
	a := NewPrometheusMetricsCollector("a", 0, nil)
	b := NewPrometheusMetricsCollector("b", 0, nil)
	m := Multi{a, b, NewNoOpMetricsCollector()}

	m.IncCounter("connections_total", map[string]string{"result": "accepted"})
	assert.Equal(t, 1.0, testutil.ToFloat64(a.counters["connections_total"].WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.counters["connections_total"].WithLabelValues("accepted")))
}
