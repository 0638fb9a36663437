// Package metrics exposes Prometheus collectors for reconciliation, the
// change feed and websocket fan-out.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "stockroom"

// Collector is a prometheus.Collector for the stockroom backend. A nil
// *Collector is valid and records nothing.
type Collector struct {
	reconciliations    *prometheus.CounterVec
	reconciledRows     *prometheus.CounterVec
	reconcileDuration  prometheus.Histogram
	relayedEvents      *prometheus.CounterVec
	connectedClients   prometheus.Gauge
	droppedConnections *prometheus.CounterVec
	feedReconnects     prometheus.Counter
	httpRequests       *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconciliations_total",
				Help:      "Product reconciliations by operation, mode and result.",
			}, []string{"operation", "mode", "result"},
		),
		reconciledRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconciled_rows_total",
				Help:      "Product rows deleted or written by reconciliation.",
			}, []string{"phase"},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Time taken by one reconciliation.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		relayedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "relayed_events_total",
				Help:      "Change events relayed to websocket clients.",
			}, []string{"table", "operation"},
		),
		connectedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connected_clients",
				Help:      "The number of registered websocket connections.",
			},
		),
		droppedConnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dropped_connections_total",
				Help:      "Websocket connections closed by the server.",
			}, []string{"reason"},
		),
		feedReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "feed_reconnects_total",
				Help:      "Change feed resubscriptions after a disconnect.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method and status code.",
			}, []string{"method", "code"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.reconciliations.Describe(ch)
	c.reconciledRows.Describe(ch)
	c.reconcileDuration.Describe(ch)
	c.relayedEvents.Describe(ch)
	c.connectedClients.Describe(ch)
	c.droppedConnections.Describe(ch)
	c.feedReconnects.Describe(ch)
	c.httpRequests.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.reconciliations.Collect(ch)
	c.reconciledRows.Collect(ch)
	c.reconcileDuration.Collect(ch)
	c.relayedEvents.Collect(ch)
	c.connectedClients.Collect(ch)
	c.droppedConnections.Collect(ch)
	c.feedReconnects.Collect(ch)
	c.httpRequests.Collect(ch)
}

// Handler returns an HTTP handler serving c together with the Go runtime
// and process collectors from a private registry.
func (c *Collector) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if c != nil {
		reg.MustRegister(c)
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveReconcile records one reconciliation.
func (c *Collector) ObserveReconcile(operation, mode string, err error, deleted, inserted int, took time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.reconciliations.WithLabelValues(operation, mode, result).Inc()
	c.reconciledRows.WithLabelValues("deleted").Add(float64(deleted))
	c.reconciledRows.WithLabelValues("inserted").Add(float64(inserted))
	c.reconcileDuration.Observe(took.Seconds())
}

// EventRelayed counts one change event sent to the hub.
func (c *Collector) EventRelayed(table, operation string) {
	if c == nil {
		return
	}
	c.relayedEvents.WithLabelValues(table, operation).Inc()
}

// ClientConnected increments the connected client gauge.
func (c *Collector) ClientConnected() {
	if c == nil {
		return
	}
	c.connectedClients.Inc()
}

// ClientDisconnected decrements the connected client gauge.
func (c *Collector) ClientDisconnected() {
	if c == nil {
		return
	}
	c.connectedClients.Dec()
}

// ConnectionDropped counts a connection the server closed, by reason.
func (c *Collector) ConnectionDropped(reason string) {
	if c == nil {
		return
	}
	c.droppedConnections.WithLabelValues(reason).Inc()
}

// FeedReconnected counts one change feed resubscription.
func (c *Collector) FeedReconnected() {
	if c == nil {
		return
	}
	c.feedReconnects.Inc()
}

// HTTPRequest counts one served request.
func (c *Collector) HTTPRequest(method string, status int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
