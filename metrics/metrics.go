// Package metrics provides Prometheus collectors for engine operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives one call per finished engine operation.
type Observer interface {
	Observe(op string, bytes int64, err error, dur time.Duration)
}

// Nop is an Observer that records nothing.
type Nop struct{}

func (Nop) Observe(string, int64, error, time.Duration) {}

// StorageMetrics holds Prometheus collectors for engine operations.
type StorageMetrics struct {
	bytes    *prometheus.CounterVec
	ops      *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight prometheus.Gauge
}

// NewStorageMetrics registers the collectors on reg, labelled with the
// backend name as a constant label.
func NewStorageMetrics(reg prometheus.Registerer, backend string) *StorageMetrics {
	labels := prometheus.Labels{"backend": backend}
	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "objectstore",
		Subsystem:   "engine",
		Name:        "bytes_total",
		Help:        "Total bytes transferred by engine operations.",
		ConstLabels: labels,
	}, []string{"op"})
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "objectstore",
		Subsystem:   "engine",
		Name:        "ops_total",
		Help:        "Total number of engine operations by result.",
		ConstLabels: labels,
	}, []string{"op", "result"}) // result = "ok" | "error"
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "objectstore",
		Subsystem:   "engine",
		Name:        "op_duration_seconds",
		Help:        "Histogram of engine operation durations in seconds.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: labels,
	}, []string{"op"})
	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "objectstore",
		Subsystem:   "engine",
		Name:        "inflight_ops",
		Help:        "Current number of engine operations in progress.",
		ConstLabels: labels,
	})

	_ = reg.Register(bytes)
	_ = reg.Register(ops)
	_ = reg.Register(latency)
	_ = reg.Register(inflight)

	return &StorageMetrics{
		bytes:    bytes,
		ops:      ops,
		latency:  latency,
		inflight: inflight,
	}
}

// Start marks an operation as in progress. Call the returned function when
// it finishes.
func (m *StorageMetrics) Start() func() {
	m.inflight.Inc()
	return m.inflight.Dec
}

// Observe records an operation with optional bytes and error.
// dur must be the total time spent in the operation.
func (m *StorageMetrics) Observe(op string, bytes int64, err error, dur time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if bytes > 0 {
		m.bytes.WithLabelValues(op).Add(float64(bytes))
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(dur.Seconds())
}

var _ Observer = (*StorageMetrics)(nil)
