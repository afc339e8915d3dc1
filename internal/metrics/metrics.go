// Package metrics records boundary call outcomes with Prometheus collectors.
package metrics

import (
	"time"

	"github.com/isseis/go-safe-elevate/internal/status"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector holds the call metrics on a private registry. A nil *Collector
// records nothing.
type Collector struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	faults   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates a Collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elevate",
			Name:      "calls_total",
			Help:      "Boundary calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elevate",
			Name:      "faults_total",
			Help:      "Transport faults intercepted and normalized, by operation.",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elevate",
			Name:      "call_duration_seconds",
			Help:      "Round trip time of boundary calls.",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"op"}),
	}
	c.registry.MustRegister(c.calls, c.faults, c.duration)
	return c
}

// ObserveCall records one completed call.
func (c *Collector) ObserveCall(op string, st status.Status, d time.Duration) {
	if c == nil {
		return
	}
	outcome := OutcomeSuccess
	if st.Failed() {
		outcome = OutcomeFailure
	}
	c.calls.WithLabelValues(op, outcome).Inc()
	c.duration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveFault records an intercepted transport fault.
func (c *Collector) ObserveFault(op string) {
	if c == nil {
		return
	}
	c.faults.WithLabelValues(op).Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WriteTextfile writes the current metrics in text exposition format, for a
// node exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}
