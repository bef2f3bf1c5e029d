// Package metrics defines the Prometheus instrumentation surface for the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitlink_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fitlink_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitlink_chat_messages_sent_total",
			Help: "Total messages durably written via the send endpoint",
		},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitlink_chat_publish_failures_total",
			Help: "Total best-effort realtime publishes that failed after a durable write",
		},
	)

	TokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitlink_chat_tokens_issued_total",
			Help: "Total capability tokens minted",
		},
	)

	TokensDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitlink_chat_tokens_denied_total",
			Help: "Total capability token requests denied",
		},
	)

	// Gateway metrics
	WSSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fitlink_chat_ws_sessions",
			Help: "Currently attached websocket sessions",
		},
	)

	WSAttachRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitlink_chat_ws_attach_rejected_total",
			Help: "Websocket attach attempts rejected",
		},
		[]string{"reason"},
	)

	FanoutRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitlink_chat_fanout_relayed_total",
			Help: "Envelopes relayed through the fanout layer",
		},
		[]string{"path"}, // "local" or "bridge"
	)
)
