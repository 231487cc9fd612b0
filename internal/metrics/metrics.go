// Package metrics exposes Prometheus instrumentation for the SOCKS5/HTTP
// multiplexer. Every metric here observes a state transition the
// multiplexer already makes for protocol reasons (session open/close,
// handshake outcome, message forwarded, editor round-trip); none of them
// feed back into the protocol engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks5proxy"

// Metrics holds every counter, gauge, and histogram the multiplexer
// reports.
type Metrics struct {
	SessionsActive       prometheus.Gauge
	SessionsOpenedTotal  prometheus.Counter
	SessionsClosedTotal  *prometheus.CounterVec // label: reason
	HandshakeDuration    prometheus.Histogram
	HandshakeFailures    *prometheus.CounterVec // label: cause
	MessagesForwarded    *prometheus.CounterVec // label: side
	BytesForwarded       *prometheus.CounterVec // label: side
	EditorInvocations    prometheus.Counter
	EditorFailures       prometheus.Counter
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide Metrics instance, registered against
// prometheus.DefaultRegisterer on first use.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New registers a fresh set of metrics against reg. Tests that want an
// isolated registry (rather than the process-wide default) should call
// this directly with a prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently live client/destination session pairs.",
		}),
		SessionsOpenedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total sessions established after a successful handshake.",
		}),
		SessionsClosedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total sessions retired, labeled by the reason.",
		}, []string{"reason"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from accept to a completed or failed handshake.",
			Buckets:   prometheus.DefBuckets,
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total handshake failures, labeled by cause.",
		}, []string{"cause"}),
		MessagesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Total HTTP messages forwarded, labeled by originating side.",
		}, []string{"side"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total HTTP message bytes forwarded, labeled by originating side.",
		}, []string{"side"}),
		EditorInvocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "editor_invocations_total",
			Help:      "Total times a client-originated message was sent through the editor gateway.",
		}),
		EditorFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "editor_failures_total",
			Help:      "Total editor round-trips that exited abnormally.",
		}),
	}
}
