// Package telemetry owns the Prometheus registry and the counters the rest of
// the service records into.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notification outcomes.
const (
	OutcomeDelivered     = "delivered"
	OutcomeNotConfigured = "not_configured"
	OutcomeFetchFailed   = "fetch_failed"
	OutcomeRejected      = "rejected"
	OutcomeTransport     = "transport_error"
	OutcomeDropped       = "dropped"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	notifications  *prometheus.CounterVec
	notifyDuration prometheus.Histogram
	uploads        *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	orphansRemoved prometheus.Counter
	reconcileRuns  *prometheus.CounterVec
}

// New builds a Metrics with its own registry, including Go runtime and
// process collectors.
func New(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "assessment_notifications_total",
			Help:        "Assessment webhook notifications by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		notifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "assessment_notification_duration_seconds",
			Help:        "Time spent delivering one assessment notification",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "video_uploads_total",
			Help:        "Video uploads relayed to object storage by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "video_upload_bytes_total",
			Help:        "Bytes written to object storage by the upload relay",
			ConstLabels: constLabels,
		}),
		orphansRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "orphaned_videos_removed_total",
			Help:        "Stored videos deleted because no patient references them",
			ConstLabels: constLabels,
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orphan_reconcile_runs_total",
			Help:        "Orphaned video reconciliation runs by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.notifications,
		m.notifyDuration,
		m.uploads,
		m.uploadBytes,
		m.orphansRemoved,
		m.reconcileRuns,
	)
	return m
}

// Register adds extra collectors, such as the database pool collector.
func (m *Metrics) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordNotification(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
	if took > 0 {
		m.notifyDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) RecordUpload(result string, size int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
	if size > 0 {
		m.uploadBytes.Add(float64(size))
	}
}

func (m *Metrics) RecordReconcile(result string, removed int) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
	m.orphansRemoved.Add(float64(removed))
}

// Middleware records request counts and latency keyed by the matched route
// template, so /api/patients/:id stays one series.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
