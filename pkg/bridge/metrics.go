// Copyright 2024-2026 Aiku AI

package bridge

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the bridge's Prometheus metrics on its own registry, so
// multiple bridge instances (and tests) never fight over registration.
type Metrics struct {
	registry *prometheus.Registry

	UpdatesReceived  *prometheus.CounterVec
	UpdatesSkipped   prometheus.Counter
	UpdatesRejected  *prometheus.CounterVec
	Admissions       *prometheus.CounterVec
	EnqueueDropped   prometheus.Counter
	PublishAttempts  *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec
}

// NewMetrics builds and registers the bridge metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		UpdatesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telewp_updates_received_total",
			Help: "Normalized source events by kind",
		}, []string{"kind"}),
		UpdatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telewp_updates_skipped_total",
			Help: "Updates dropped by policy filters (chat type, hashtag)",
		}),
		UpdatesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telewp_updates_rejected_total",
			Help: "Updates that failed normalization",
		}, []string{"reason"}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telewp_admissions_total",
			Help: "Admission decisions by result",
		}, []string{"result"}),
		EnqueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telewp_enqueue_dropped_total",
			Help: "Admitted deliveries dropped by a full queue, left for the requeue sweep",
		}),
		PublishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telewp_publish_attempts_total",
			Help: "Individual publish attempts by outcome",
		}, []string{"outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telewp_deliveries_total",
			Help: "Finished deliveries by disposition and outcome",
		}, []string{"disposition", "outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "telewp_delivery_duration_seconds",
			Help:    "Wall time from claim to terminal delivery outcome",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telewp_http_requests_total",
			Help: "Webhook server requests",
		}, []string{"handler", "method", "status"}),
	}
	m.registry.MustRegister(
		m.UpdatesReceived, m.UpdatesSkipped, m.UpdatesRejected, m.Admissions,
		m.EnqueueDropped, m.PublishAttempts, m.Deliveries, m.DeliveryDuration,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the metric registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDelivery records one finished delivery.
func (m *Metrics) ObserveDelivery(disposition Disposition, outcome string, start time.Time) {
	m.Deliveries.WithLabelValues(string(disposition), outcome).Inc()
	m.DeliveryDuration.Observe(time.Since(start).Seconds())
}
