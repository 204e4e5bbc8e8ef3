// Package metrics collects Prometheus metrics for the ledger. All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lnbank"

// Metrics holds the collectors and the registry they are registered with
type Metrics struct {
	registry *prometheus.Registry

	sends             *prometheus.CounterVec
	receives          *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	reconciledEvents  *prometheus.CounterVec
	reconcileRetries  prometheus.Counter
	expiredRequests   prometheus.Counter
	registrations     *prometheus.CounterVec
	apiLatency        *prometheus.HistogramVec
	lastEventReceived prometheus.Gauge
}

// New creates a registry with the runtime collectors and all ledger
// collectors registered
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outgoing payments by resulting status",
		}, []string{"status"}),
		receives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receives_total",
			Help:      "Incoming payments credited to users, by source",
		}, []string{"source"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Payments the node refused or didn't answer for",
		}, []string{"reason"}),
		reconciledEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_events_total",
			Help:      "Node events processed by the reconciler, by kind and result",
		}, []string{"kind", "result"}),
		reconcileRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_retries_total",
			Help:      "Failed attempts at applying a node event",
		}),
		expiredRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_requests_total",
			Help:      "Invoices and offers moved to expired by the sweep",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by result",
		}, []string{"result"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_latency_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		lastEventReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_node_event_timestamp_seconds",
			Help:      "When the reconciler last got an event from the node",
		}),
	}

	collectors := []prometheus.Collector{
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.sends, m.receives, m.dispatchFailures, m.reconciledEvents,
		m.reconcileRetries, m.expiredRequests, m.registrations, m.apiLatency,
		m.lastEventReceived,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry is what the collectors are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Send counts a send reaching the given status
func (m *Metrics) Send(status string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(status).Inc()
}

// Receive counts a credited payment
func (m *Metrics) Receive(source string) {
	if m == nil {
		return
	}
	m.receives.WithLabelValues(source).Inc()
}

// DispatchFailure counts a payment the node didn't take
func (m *Metrics) DispatchFailure(reason string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(reason).Inc()
}

// ReconciledEvent counts an event handled by the reconciler
func (m *Metrics) ReconciledEvent(kind, result string) {
	if m == nil {
		return
	}
	m.reconciledEvents.WithLabelValues(kind, result).Inc()
	m.lastEventReceived.SetToCurrentTime()
}

// ReconcileRetry counts a failed attempt at applying an event
func (m *Metrics) ReconcileRetry() {
	if m == nil {
		return
	}
	m.reconcileRetries.Inc()
}

// Expired counts requests moved to expired
func (m *Metrics) Expired(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.expiredRequests.Add(float64(count))
}

// Registration counts a registration attempt
func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

// GinMiddleware records the latency of every request
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.apiLatency.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
