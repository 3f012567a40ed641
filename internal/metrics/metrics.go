// Package metrics holds the relay's Prometheus collectors, exposed on
// GET /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_accepted_total",
		Help: "Messages accepted into an inbox, by type (direct or group fan-out).",
	}, []string{"type"})
	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_rejected_total",
		Help: "Messages rejected at send time, by reason.",
	}, []string{"reason"})
	MessagesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_finalized_total",
		Help: "Messages reaching a terminal status (acked, dead, expired).",
	}, []string{"status"})
	LeasesGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_leases_granted_total",
		Help: "Pull requests that returned a leased message.",
	})
	LeasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_leases_reclaimed_total",
		Help: "Expired leases returned to the inbox by the reclaim loop.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auth_failures_total",
		Help: "Rejected request signatures, by failure code.",
	}, []string{"code"})
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_webhook_deliveries_total",
		Help: "Webhook delivery outcomes (delivered, retried, exhausted).",
	}, []string{"outcome"})
	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_webhook_duration_seconds",
		Help:    "Duration of webhook POST attempts.",
		Buckets: prometheus.DefBuckets,
	})
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_agents_online",
		Help: "Agents currently marked online.",
	})
	InboxPushSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_inbox_push_subscribers",
		Help: "Open WebSocket inbox subscriptions.",
	})
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
