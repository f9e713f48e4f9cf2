package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySortsLabels(t *testing.T) {
	assert.Equal(t, "commands_total", key("commands_total", nil))
	assert.Equal(t, "commands_total{command=CMPP_SUBMIT,direction=inbound}",
		key("commands_total", map[string]string{"direction": "inbound", "command": "CMPP_SUBMIT"}))
}

func TestSnapshot(t *testing.T) {
	c := NewCollector()
	labels := map[string]string{"command": "CMPP_SUBMIT", "direction": "inbound"}
	c.IncCounter("commands_total", labels)
	c.IncCounter("commands_total", labels)
	c.SetGauge("active_connections", 4, nil)
	c.RecordDuration("command_round_trip", 10*time.Millisecond, map[string]string{"command": "CMPP_DELIVER"})
	c.ObserveHistogram("ignored_in_snapshot", 3, nil)

	assert.Equal(t, int64(2), c.Counter("commands_total", labels))
	assert.Zero(t, c.Counter("commands_total", nil))

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.Counters["commands_total{command=CMPP_SUBMIT,direction=inbound}"])
	assert.Contains(t, s.Rates, "commands_total{command=CMPP_SUBMIT,direction=inbound}")
	assert.Equal(t, 4.0, s.Gauges["active_connections"])

	timer, ok := s.Timers["command_round_trip_duration{command=CMPP_DELIVER}"]
	require.True(t, ok)
	assert.Equal(t, int64(1), timer.Count)
	assert.InDelta(t, 10.0, timer.MeanMs, 0.001)
}
