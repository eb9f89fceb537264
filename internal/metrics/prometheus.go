// Package metrics provides Prometheus-based metrics collection for subsonic.
// The Prometheus backend implements MetricsRegistry so components can record
// through the same interface whether or not an exporter is running.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all subsonic metrics
	namespace = "subsonic"
)

// helpText documents the known metric names; unknown names fall back to the name itself.
var helpText = map[string]string{
	MetricConnected:      "Whether the real-time connection is currently open (1) or not (0)",
	MetricFramesReceived: "Inbound frames dispatched to a handler, by message type",
	MetricFramesDropped:  "Inbound frames dropped, by reason",
	MetricMessagesSent:   "Outbound messages written to the connection, by message type",
	MetricSendFailures:   "Outbound messages discarded because the connection was not open or the write failed",
	MetricReconnects:     "Reconnection attempts scheduled after the connection closed",
	MetricDialDuration:   "Duration of connection attempts in seconds",
	MetricScansStarted:   "start_scan commands issued",
	MetricResults:        "Result records appended to the session",
	MetricProgress:       "Latest progress value reported by the server",
	MetricStaleUpdates:   "Inbound updates dropped because they belong to a previous scan request",
	MetricScansFinished:  "Scans the server reported as done",
}

// Prometheus records metrics into a dedicated prometheus.Registry. Vectors are
// created lazily on first use; the label names of that first call are fixed
// for the lifetime of the metric and later calls with a different label set
// are ignored.
type Prometheus struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheus creates a Prometheus backend with the Go runtime and process
// collectors registered.
func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Prometheus{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// GetRegistry returns the underlying Prometheus registry.
func (p *Prometheus) GetRegistry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler serving the registry in the exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Counter increments a counter metric.
func (p *Prometheus) Counter(name string, labels Labels) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help(name),
		}, labelNames(labels))
		if !p.register(vec) {
			p.mu.Unlock()
			return
		}
		p.counters[name] = vec
	}
	p.mu.Unlock()

	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Inc()
	}
}

// Gauge sets a gauge metric value.
func (p *Prometheus) Gauge(name string, value float64, labels Labels) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help(name),
		}, labelNames(labels))
		if !p.register(vec) {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(value)
	}
}

// Histogram records a value in a histogram metric.
func (p *Prometheus) Histogram(name string, value float64, labels Labels) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help(name),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		}, labelNames(labels))
		if !p.register(vec) {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(value)
	}
}

// register adds c to the registry. A name already taken by a metric of a
// different type is refused.
func (p *Prometheus) register(c prometheus.Collector) bool {
	return p.registry.Register(c) == nil
}

func help(name string) string {
	if h, ok := helpText[name]; ok {
		return h
	}
	return strings.ReplaceAll(name, "_", " ")
}
