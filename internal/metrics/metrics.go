// Package metrics содержит метрики Prometheus сервиса биллинга.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntitlementResolved число определений доступа по уровню, который дал ответ.
	EntitlementResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_entitlement_resolved_total",
			Help: "Total number of entitlement resolutions by answering tier",
		},
		[]string{"tier"},
	)

	PaymentsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_payments_initiated_total",
			Help: "Total number of payment initiations",
		},
		[]string{"channel", "result"},
	)

	PaymentVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_payment_verifications_total",
			Help: "Total number of payment verifications by outcome",
		},
		[]string{"outcome"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_gateway_request_duration_seconds",
			Help:    "Duration of payment gateway requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	RedirectEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_redirect_events_total",
			Help: "Total number of hosted payment navigation events by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconcile_processed_total",
			Help: "Total number of pending transactions processed by the reconciler",
		},
		[]string{"source", "result"},
	)

	// ActiveRedirectSessions текущее число открытых платежных сессий.
	ActiveRedirectSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_redirect_sessions_active",
			Help: "Number of open hosted payment sessions",
		},
	)
)
