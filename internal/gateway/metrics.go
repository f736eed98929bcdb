package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's prometheus instruments.
type Metrics struct {
	TasksPublished  *prometheus.CounterVec
	PublishRejected prometheus.Counter
	SSEConnections  prometheus.Gauge
	SSEEvents       *prometheus.CounterVec
	WebhooksIn      *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tasks_published_total",
			Help: "Tasks published to the bus by task type.",
		}, []string{"task_type"}),
		PublishRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_publish_rejected_total",
			Help: "Publishes rejected by queue overflow.",
		}),
		SSEConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sse_connections",
			Help: "Open SSE progress streams.",
		}),
		SSEEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sse_events_total",
			Help: "SSE events forwarded to clients by event type.",
		}, []string{"type"}),
		WebhooksIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_webhooks_in_total",
			Help: "Inbound worker webhooks by outcome.",
		}, []string{"outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request latency by route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
