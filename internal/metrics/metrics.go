// Package metrics exposes the control plane's Prometheus instrumentation.
// All series carry the breeze_ prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP surface

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "breeze_http_request_duration_seconds",
			Help:    "API request latency by route and status class",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "breeze_http_requests_in_flight",
			Help: "API requests currently being served",
		},
	)

	// Agent gateway

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_heartbeats_total",
			Help: "Agent heartbeats processed by outcome",
		},
		[]string{"outcome"}, // ok, rate_limited, rejected
	)

	AgentsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "breeze_agents_online",
			Help: "Devices currently in the online state",
		},
	)

	EnrollmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_enrollments_total",
			Help: "Agent enrollment attempts by outcome",
		},
		[]string{"outcome"}, // enrolled, resumed, pending, denied
	)

	CommandsIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_commands_issued_total",
			Help: "Device commands issued by type",
		},
		[]string{"type"},
	)

	CommandResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_command_results_total",
			Help: "Device command results by terminal status",
		},
		[]string{"status"},
	)

	// Job system

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breeze_job_queue_depth",
			Help: "Jobs waiting in the Redis queue by kind",
		},
		[]string{"kind"},
	)

	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_jobs_processed_total",
			Help: "Background jobs processed by kind and outcome",
		},
		[]string{"kind", "outcome"}, // completed, retried, dead
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "breeze_job_duration_seconds",
			Help:    "Background job execution time by kind",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"kind"},
	)

	LeasesReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breeze_job_leases_reaped_total",
			Help: "Expired worker leases returned to the queue",
		},
	)

	// Webhooks

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered, retrying, failed, blocked
	)

	WebhookDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "breeze_webhook_delivery_duration_seconds",
			Help:    "End-to-end webhook POST latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Alerting

	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_alerts_fired_total",
			Help: "Alerts fired by severity",
		},
		[]string{"severity"},
	)

	AlertsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_alerts_resolved_total",
			Help: "Alerts resolved by mode",
		},
		[]string{"mode"}, // manual, auto
	)

	AlertsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_alerts_suppressed_total",
			Help: "Alert notifications suppressed by reason",
		},
		[]string{"reason"}, // maintenance, cooldown, duplicate
	)

	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_notifications_sent_total",
			Help: "Notifications dispatched by channel type and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// Realtime

	WSConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breeze_ws_connections",
			Help: "Open WebSocket connections by kind",
		},
		[]string{"kind"}, // agent, operator
	)

	RemoteSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_remote_sessions_total",
			Help: "Remote sessions created by type",
		},
		[]string{"type"},
	)

	RemoteSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "breeze_remote_sessions_active",
			Help: "Remote sessions not yet ended",
		},
	)
)
