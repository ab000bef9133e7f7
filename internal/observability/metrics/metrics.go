// Package metrics exposes prometheus instrumentation for the ingest
// pipeline and HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	eventsIngested  *prometheus.CounterVec
	quotaRejections *prometheus.CounterVec
	rateLimited     prometheus.Counter
	breakerOpen     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_events_ingested_total",
			Help: "Usage events processed, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		quotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_quota_rejections_total",
			Help: "Quota violations that rejected an ingest request, by event type.",
		}, []string{"event_type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meterline_rate_limited_total",
			Help: "Requests rejected by admission control.",
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meterline_cache_breaker_open",
			Help: "Whether the fast-path cache circuit breaker is open.",
		}),
	}
	reg.MustRegister(m.eventsIngested, m.quotaRejections, m.rateLimited, m.breakerOpen)
	return m
}

func (m *Metrics) RecordIngest(eventType string, deduplicated bool) {
	outcome := "new"
	if deduplicated {
		outcome = "deduplicated"
	}
	m.eventsIngested.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordQuotaRejection(eventType string) {
	m.quotaRejections.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordRateLimitRejection() {
	m.rateLimited.Inc()
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.breakerOpen.Set(1)
		return
	}
	m.breakerOpen.Set(0)
}

type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) *HTTPMetrics {
	h := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_http_requests_total",
			Help: "HTTP requests, by method, route, and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meterline_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(h.requests, h.duration)
	return h
}

// GinMiddleware records request counts and latencies per route template.
func GinMiddleware(h *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		h.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		h.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func provideRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}

var Module = fx.Module("observability.metrics",
	fx.Provide(provideRegisterer),
	fx.Provide(New),
	fx.Provide(NewHTTP),
)
