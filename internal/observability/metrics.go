package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relayd"

// Metrics holds the relay's prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	StreamsStarted   *prometheus.CounterVec
	StreamsFinished  *prometheus.CounterVec
	StreamsInFlight  prometheus.Gauge
	Fragments        *prometheus.CounterVec
	ShutdownTimeouts prometheus.Counter
	Rejected         *prometheus.CounterVec
	StreamDuration   *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		StreamsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streams_started_total",
			Help:      "Relay operations started, by provider.",
		}, []string{"provider"}),
		StreamsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streams_finished_total",
			Help:      "Relay operations that reached a terminal state.",
		}, []string{"provider", "state"}),
		StreamsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "streams_in_flight",
			Help:      "Relay operations currently running.",
		}),
		Fragments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fragments_total",
			Help:      "Text fragments forwarded to consumers.",
		}, []string{"provider"}),
		ShutdownTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shutdown_timeouts_total",
			Help:      "Workers that did not acknowledge cancellation within the timeout.",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_rejected_total",
			Help:      "Requests rejected before dispatch.",
		}, []string{"reason"}),
		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider", "state"}),
	}
}
