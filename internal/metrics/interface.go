// Package metrics provides interfaces for metrics collection and monitoring.
package metrics

//go:generate mockgen -destination=mocks/mock_metrics.go -package=mocks . MetricsRegistry

// MetricsRegistry defines the interface components record metrics through.
// Both the in-memory Registry and the Prometheus backend implement it.
type MetricsRegistry interface {
	// Counter increments a counter metric with the given name and labels.
	Counter(name string, labels Labels)

	// Gauge sets a gauge metric to the specified value with the given name and labels.
	Gauge(name string, value float64, labels Labels)

	// Histogram records a value in a histogram metric with the given name and labels.
	Histogram(name string, value float64, labels Labels)
}

// Nop discards every metric.
type Nop struct{}

func (Nop) Counter(string, Labels)            {}
func (Nop) Gauge(string, float64, Labels)     {}
func (Nop) Histogram(string, float64, Labels) {}

// OrNop returns r, or a Nop recorder when r is nil.
func OrNop(r MetricsRegistry) MetricsRegistry {
	if r == nil {
		return Nop{}
	}
	return r
}

// Ensure that both backends implement MetricsRegistry.
var (
	_ MetricsRegistry = (*Registry)(nil)
	_ MetricsRegistry = (*Prometheus)(nil)
	_ MetricsRegistry = Nop{}
)
