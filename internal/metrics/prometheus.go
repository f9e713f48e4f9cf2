package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// PrometheusMetricsCollector implements cmpp.MetricsCollector using Prometheus
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry
	logger   cmpp.Logger

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	// HTTP server for metrics endpoint
	server *http.Server
}

// NewPrometheusMetricsCollector creates a collector under namespace. A
// positive port also serves /metrics on that port.
func NewPrometheusMetricsCollector(namespace string, port int, logger cmpp.Logger) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "cmpp"
	}
	registry := prometheus.NewRegistry()

	pmc := &PrometheusMetricsCollector{
		registry:   registry,
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	counter := func(name, help string, labels ...string) {
		pmc.counters[name] = prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			labels,
		)
		registry.MustRegister(pmc.counters[name])
	}
	counter("connections_total", "Total number of accepted or rejected connections", "result")
	counter("commands_total", "Total number of commands sent and received", "command", "direction")
	counter("auth_total", "Total number of CMPP_CONNECT decisions", "result")
	counter("flow_control_rejections_total", "Total number of CMPP_SUBMIT answered with a flow control error", "source_addr")
	counter("request_timeouts_total", "Total number of outbound requests without a response in time", "command")
	counter("events_total", "Total number of published events", "event_type")
	counter("sms_events_total", "Total number of message events", "event_type", "source_addr")

	pmc.gauges["active_connections"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "active_connections", Help: "Number of live connections"},
		nil,
	)
	registry.MustRegister(pmc.gauges["active_connections"])

	pmc.histograms["command_round_trip_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_round_trip_duration_seconds",
			Help:      "Time from sending a request to its response",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	pmc.histograms["connection_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of connections",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 7200, 21600, 43200},
		},
		nil,
	)
	registry.MustRegister(pmc.histograms["command_round_trip_duration"], pmc.histograms["connection_duration"])

	if port > 0 {
		pmc.startMetricsServer(port)
	}
	return pmc
}

// Registry returns the underlying registry
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format
func (p *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// IncCounter increments a counter metric. Unknown names and label sets are ignored.
func (p *PrometheusMetricsCollector) IncCounter(name string, labels map[string]string) {
	vec, ok := p.counters[name]
	if !ok {
		return
	}
	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Inc()
	}
}

// SetGauge sets a gauge metric
func (p *PrometheusMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	vec, ok := p.gauges[name]
	if !ok {
		return
	}
	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(value)
	}
}

// ObserveHistogram observes a value for a histogram metric
func (p *PrometheusMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	vec, ok := p.histograms[name]
	if !ok {
		return
	}
	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(value)
	}
}

// RecordDuration records a duration metric
func (p *PrometheusMetricsCollector) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	p.ObserveHistogram(name+"_duration", duration.Seconds(), labels)
}

// startMetricsServer starts the HTTP server for Prometheus metrics
func (p *PrometheusMetricsCollector) startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())

	p.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed && p.logger != nil {
			p.logger.Error("Metrics server failed", "port", port, "error", err)
		}
	}()
}

// Stop stops the metrics HTTP server
func (p *PrometheusMetricsCollector) Stop() error {
	if p.server != nil {
		return p.server.Close()
	}
	return nil
}

// NoOpMetricsCollector provides a no-op implementation for when metrics are disabled
type NoOpMetricsCollector struct{}

// NewNoOpMetricsCollector creates a no-op metrics collector
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}

// IncCounter is a no-op
func (n *NoOpMetricsCollector) IncCounter(name string, labels map[string]string) {}

// SetGauge is a no-op
func (n *NoOpMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {}

// ObserveHistogram is a no-op
func (n *NoOpMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
}

// RecordDuration is a no-op
func (n *NoOpMetricsCollector) RecordDuration(name string, duration time.Duration, labels map[string]string) {
}

// Multi fans every call out to several collectors
type Multi []cmpp.MetricsCollector

// IncCounter forwards to every collector
func (m Multi) IncCounter(name string, labels map[string]string) {
	for _, c := range m {
		c.IncCounter(name, labels)
	}
}

// SetGauge forwards to every collector
func (m Multi) SetGauge(name string, value float64, labels map[string]string) {
	for _, c := range m {
		c.SetGauge(name, value, labels)
	}
}

// ObserveHistogram forwards to every collector
func (m Multi) ObserveHistogram(name string, value float64, labels map[string]string) {
	for _, c := range m {
		c.ObserveHistogram(name, value, labels)
	}
}

// RecordDuration forwards to every collector
func (m Multi) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	for _, c := range m {
		c.RecordDuration(name, duration, labels)
	}
}
