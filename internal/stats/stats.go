package stats

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// Collector keeps in-process counters, rates and latency histograms in a
// go-metrics registry for the admin API and the periodic report.
type Collector struct {
	registry  metrics.Registry
	startedAt time.Time
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	return &Collector{
		registry:  metrics.NewRegistry(),
		startedAt: time.Now(),
	}
}

// Registry returns the underlying registry
func (c *Collector) Registry() metrics.Registry {
	return c.registry
}

// key renders name{k=v,...} with labels sorted
func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// IncCounter bumps the counter and marks the matching meter
func (c *Collector) IncCounter(name string, labels map[string]string) {
	k := key(name, labels)
	metrics.GetOrRegisterCounter(k, c.registry).Inc(1)
	metrics.GetOrRegisterMeter(k+".rate", c.registry).Mark(1)
}

// SetGauge sets a gauge
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	metrics.GetOrRegisterGaugeFloat64(key(name, labels), c.registry).Update(value)
}

// ObserveHistogram records a sample in a uniform histogram
func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	h := metrics.GetOrRegisterHistogram(key(name, labels), c.registry, metrics.NewUniformSample(1028))
	h.Update(int64(value))
}

// RecordDuration records a duration in a timer
func (c *Collector) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	metrics.GetOrRegisterTimer(key(name+"_duration", labels), c.registry).Update(duration)
}

// TimerSnapshot summarises one timer in milliseconds
type TimerSnapshot struct {
	Count  int64   `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	P99Ms  float64 `json:"p99_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// Snapshot is a point-in-time copy of every metric
type Snapshot struct {
	Uptime   string                   `json:"uptime"`
	Counters map[string]int64         `json:"counters"`
	Rates    map[string]float64       `json:"rates_1m"`
	Gauges   map[string]float64       `json:"gauges"`
	Timers   map[string]TimerSnapshot `json:"timers"`
}

// Snapshot copies the registry
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Uptime:   time.Since(c.startedAt).Truncate(time.Second).String(),
		Counters: make(map[string]int64),
		Rates:    make(map[string]float64),
		Gauges:   make(map[string]float64),
		Timers:   make(map[string]TimerSnapshot),
	}
	c.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			s.Counters[name] = m.Count()
		case metrics.Meter:
			s.Rates[strings.TrimSuffix(name, ".rate")] = m.Snapshot().Rate1()
		case metrics.GaugeFloat64:
			s.Gauges[name] = m.Value()
		case metrics.Timer:
			t := m.Snapshot()
			s.Timers[name] = TimerSnapshot{
				Count:  t.Count(),
				MeanMs: t.Mean() / float64(time.Millisecond),
				P99Ms:  t.Percentile(0.99) / float64(time.Millisecond),
				MaxMs:  float64(t.Max()) / float64(time.Millisecond),
			}
		}
	})
	return s
}

// Counter returns the current value of a counter, 0 if never incremented
func (c *Collector) Counter(name string, labels map[string]string) int64 {
	if m, ok := c.registry.Get(key(name, labels)).(metrics.Counter); ok {
		return m.Count()
	}
	return 0
}

// Report logs the counters every interval until ctx is done
func (c *Collector) Report(ctx context.Context, logger cmpp.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Snapshot()
			names := make([]string, 0, len(s.Counters))
			for name := range s.Counters {
				names = append(names, name)
			}
			sort.Strings(names)
			fields := []interface{}{"uptime", s.Uptime}
			for _, name := range names {
				fields = append(fields, name, s.Counters[name])
			}
			logger.Info("Traffic report", fields...)
		}
	}
}
