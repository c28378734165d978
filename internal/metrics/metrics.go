// Package metrics holds the Prometheus collectors for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Ingress metrics
	WebhooksReceived *prometheus.CounterVec

	// Delivery metrics
	EnvelopesDelivered *prometheus.CounterVec
	EnvelopesDropped   *prometheus.CounterVec

	// Transport metrics
	StreamConnections *prometheus.GaugeVec

	// Push metrics
	PushDeliveries *prometheus.CounterVec
	PushRetries    prometheus.Counter

	// OAuth metrics
	OAuthFlows *prometheus.CounterVec
}

// New creates and registers all proxy metrics. A nil registerer yields
// working but unregistered collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		WebhooksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_webhooks_received_total",
				Help: "Webhook deliveries by verification outcome",
			},
			[]string{"result"}, // result: accepted, bad_signature, malformed
		),

		EnvelopesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_envelopes_delivered_total",
				Help: "Envelopes handed to edge workers, by transport",
			},
			[]string{"workspace", "transport"}, // transport: stream, socket, push
		),

		EnvelopesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_envelopes_dropped_total",
				Help: "Envelopes that could not be delivered",
			},
			[]string{"reason"}, // reason: no_workspace, no_edges, buffer_full
		),

		StreamConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_stream_connections",
				Help: "Live edge connections, by transport",
			},
			[]string{"transport"},
		),

		PushDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_push_deliveries_total",
				Help: "Outbound push attempts by final status",
			},
			[]string{"status"}, // status: delivered, failed
		),

		PushRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_push_retries_total",
				Help: "Push attempts beyond the first per delivery",
			},
		),

		OAuthFlows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_oauth_flows_total",
				Help: "Authorization flows by outcome",
			},
			[]string{"outcome"}, // outcome: completed, failed
		),
	}
}
