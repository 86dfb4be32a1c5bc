// Package metrics provides Prometheus metrics for sakewire.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "sakewire"
)

// Metrics contains all Prometheus metrics for a transfer endpoint.
type Metrics struct {
	// Handshake metrics
	HandshakesTotal   *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	// Record stream metrics
	RecordsSent     prometheus.Counter
	RecordsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	AEADFailures    prometheus.Counter

	// Rekey metrics
	RekeysTotal   prometheus.Counter
	RekeyFailures prometheus.Counter

	// Transfer metrics
	TransfersTotal   *prometheus.CounterVec
	TransferDuration prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HandshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total handshakes by result",
		}, []string{"result"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Histogram of handshake duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		RecordsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_sent_total",
			Help:      "Total encrypted records sent",
		}),
		RecordsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_received_total",
			Help:      "Total encrypted records received",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received",
		}),
		AEADFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aead_failures_total",
			Help:      "Total record authentication failures",
		}),

		RekeysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_total",
			Help:      "Total completed session-key rotations",
		}),
		RekeyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekey_failures_total",
			Help:      "Total failed session-key rotations",
		}),

		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total transfers by result",
		}, []string{"result"}),
		TransferDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Histogram of transfer duration in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 1800},
		}),
	}
}

// RecordHandshake records a handshake outcome and its duration.
func (m *Metrics) RecordHandshake(result string, d time.Duration) {
	m.HandshakesTotal.WithLabelValues(result).Inc()
	m.HandshakeDuration.Observe(d.Seconds())
}

// RecordSent records one outgoing payload record.
func (m *Metrics) RecordSent(bytes int) {
	m.RecordsSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordReceived records one incoming payload record.
func (m *Metrics) RecordReceived(bytes int) {
	m.RecordsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordTransfer records a transfer outcome and its duration.
func (m *Metrics) RecordTransfer(result string, d time.Duration) {
	m.TransfersTotal.WithLabelValues(result).Inc()
	m.TransferDuration.Observe(d.Seconds())
}

// Serve exposes the default registry on addr under /metrics. It blocks, so
// callers run it in a goroutine; errors beyond startup are logged by the
// caller.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
