// Package monitoring exposes Prometheus metrics for the sync runtime.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects runtime metrics for the connection manager and the sync
// engine.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	SyncItems         *prometheus.CounterVec
	Mutations         *prometheus.CounterVec
	ConflationFlush   prometheus.Histogram
}

// New creates a metrics collector with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "entsync_active_connections",
			Help: "Number of currently established connections.",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entsync_messages_received_total",
			Help: "Inbound packets by provider and registered type name.",
		}, []string{"provider", "type"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entsync_messages_sent_total",
			Help: "Outbound packets by provider.",
		}, []string{"provider"}),
		SyncItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entsync_sync_items_total",
			Help: "Sync items delivered to subscribers by kind.",
		}, []string{"kind"}),
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entsync_mutations_total",
			Help: "Processed client mutations by status.",
		}, []string{"status"}),
		ConflationFlush: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "entsync_conflation_flush_items",
			Help:    "Items per conflation flush batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// Handler returns an HTTP handler serving the metrics in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
