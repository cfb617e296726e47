// Package metrics exposes the crawler's runtime counters and gauges as real
// Prometheus collectors, replacing a hand-rolled text exporter with the
// standard client library's registry and HTTP handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exposed through Handler. The
// crawler runtime does not update them.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	ItemsScraped    prometheus.Counter
	ItemsDropped    prometheus.Counter
	ActiveWorkers   prometheus.Gauge
	QueueDepth      prometheus.Gauge
	BytesDownloaded prometheus.Counter
	ProxyRotations  prometheus.Counter
	ProxyErrors     prometheus.Counter
	HandlerDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New builds a Metrics instance registered against a fresh registry, namespaced
// under "crawlkit".
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crawlkit",
			Name:      "requests_total",
			Help:      "Total requests dispatched, labeled by outcome.",
		}, []string{"outcome"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crawlkit",
			Name:      "responses_total",
			Help:      "Total responses received, labeled by status class.",
		}, []string{"class"}),
		ItemsScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawlkit",
			Name:      "items_scraped_total",
			Help:      "Total items pushed to the dataset.",
		}),
		ItemsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawlkit",
			Name:      "items_dropped_total",
			Help:      "Total items dropped before reaching the dataset.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crawlkit",
			Name:      "active_workers",
			Help:      "Current autoscaled pool concurrency.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crawlkit",
			Name:      "queue_depth",
			Help:      "Current pending request count in the request queue.",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawlkit",
			Name:      "bytes_downloaded_total",
			Help:      "Total response bytes downloaded.",
		}),
		ProxyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawlkit",
			Name:      "proxy_rotations_total",
			Help:      "Total proxy rotations performed.",
		}),
		ProxyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawlkit",
			Name:      "proxy_errors_total",
			Help:      "Total proxy failures observed.",
		}),
		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crawlkit",
			Name:      "request_handler_duration_seconds",
			Help:      "Time spent inside the request handler per request.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ResponsesTotal,
		m.ItemsScraped,
		m.ItemsDropped,
		m.ActiveWorkers,
		m.QueueDepth,
		m.BytesDownloaded,
		m.ProxyRotations,
		m.ProxyErrors,
		m.HandlerDuration,
	)

	return m
}

// Handler returns the http.Handler serving this registry's metrics in
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
