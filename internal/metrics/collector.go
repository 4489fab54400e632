// Package metrics exposes engine and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/memvault/internal/meter"
)

// Collector owns a registry and the memvault metrics registered on it.
// It implements engine.Observer.
type Collector struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	costMicrosTotal   *prometheus.CounterVec
	reapedTotal       prometheus.Counter
	liveRecords       prometheus.Gauge
	billingRelayed    *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector with its own registry under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.operationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by kind and outcome",
		},
		[]string{"op", "status"},
	)

	c.operationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		},
		[]string{"op"},
	)

	c.costMicrosTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_micros_total",
			Help:      "Micro-dollars billed by operation kind",
		},
		[]string{"op"},
	)

	c.reapedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaped_total",
		Help:      "Expired records evicted by the reaper",
	})

	c.liveRecords = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_records",
		Help:      "Stored records not yet deleted or reaped",
	})

	c.billingRelayed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_relayed_total",
			Help:      "Usage events handed to the billing sink",
		},
		[]string{"status"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	return c
}

// ObserveOp records one engine operation.
func (c *Collector) ObserveOp(op meter.OpKind, status string, charged meter.Cost, elapsed time.Duration) {
	c.operationsTotal.WithLabelValues(string(op), status).Inc()
	c.operationDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
	if charged > 0 {
		c.costMicrosTotal.WithLabelValues(string(op)).Add(float64(charged))
	}
}

// ObserveReaped counts records evicted in one sweep.
func (c *Collector) ObserveReaped(n int) {
	if n > 0 {
		c.reapedTotal.Add(float64(n))
	}
}

// SetLiveRecords sets the live record gauge.
func (c *Collector) SetLiveRecords(n int64) {
	c.liveRecords.Set(float64(n))
}

// ObserveRelay counts usage events published ("ok") or left for retry ("error").
func (c *Collector) ObserveRelay(status string, n int) {
	c.billingRelayed.WithLabelValues(status).Add(float64(n))
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}
