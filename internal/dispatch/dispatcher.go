// Package dispatch routes verified webhook payloads to edges: local streams
// first, push registrations for edges without a live stream, and a Redis
// relay for streams held by other proxy instances.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/edgebridge/proxy/internal/metrics"
	"github.com/edgebridge/proxy/internal/push"
	"github.com/edgebridge/proxy/internal/routing"
	"github.com/edgebridge/proxy/internal/stream"
)

// queueSize bounds the ingest queue. Webhook ingress never blocks on
// dispatch; beyond this the instance is overloaded and payloads drop.
const queueSize = 512

// transportPush labels push deliveries in the shared delivery counter,
// alongside the hub's stream and socket transports.
const transportPush = "push"

// Dispatcher fans webhooks out to edges. A single router goroutine assigns
// envelope ids and performs all stream enqueues, which is what makes
// per-edge delivery order equal ingress order.
type Dispatcher struct {
	table    *routing.Table
	hub      *stream.Hub
	registry *push.Registry
	sender   *push.Sender
	relay    *Relay
	metrics  *metrics.Metrics

	queue chan []byte
}

func NewDispatcher(table *routing.Table, hub *stream.Hub, registry *push.Registry, sender *push.Sender, relay *Relay, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		table:    table,
		hub:      hub,
		registry: registry,
		sender:   sender,
		relay:    relay,
		metrics:  m,
		queue:    make(chan []byte, queueSize),
	}
}

// Ingest accepts a verified payload for asynchronous delivery. Never blocks.
func (d *Dispatcher) Ingest(payload []byte) {
	select {
	case d.queue <- payload:
	default:
		d.metrics.EnvelopesDropped.WithLabelValues("buffer_full").Inc()
		slog.Error("[Dispatch] ingest queue full, dropping webhook", "bytes", len(payload))
	}
}

// Run consumes the ingest queue until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("[Dispatch] router started")
	for {
		select {
		case payload := <-d.queue:
			d.process(ctx, payload)
		case <-ctx.Done():
			slog.Info("[Dispatch] router stopped")
			return
		}
	}
}

// process delivers one payload and returns how many edges got it from this
// instance. Workspace extraction failures drop the payload; the upstream
// already got its 200 and a payload without a routing key has no audience.
func (d *Dispatcher) process(ctx context.Context, payload []byte) int {
	var probe struct {
		OrganizationID string `json:"organizationId"`
		Type           string `json:"type"`
		Action         string `json:"action"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.OrganizationID == "" {
		d.metrics.EnvelopesDropped.WithLabelValues("no_workspace").Inc()
		slog.Warn("[Dispatch] payload carries no workspace, dropping", "type", probe.Type, "action", probe.Action)
		return 0
	}
	workspace := probe.OrganizationID

	env := stream.NewWebhook(payload)
	streamed := d.hub.Broadcast(workspace, env)
	delivered := len(streamed)

	// Cluster-wide view of stream attachments; decides push eligibility.
	attached := make(map[string]bool)
	edges, err := d.table.EdgesFor(ctx, workspace)
	if err != nil {
		slog.Warn("[Dispatch] routing lookup failed", "workspace", workspace, "error", err)
	}
	for _, e := range edges {
		attached[e.Fingerprint] = true
	}

	if d.relay != nil {
		if err := d.relay.Publish(ctx, workspace, env); err != nil {
			slog.Warn("[Dispatch] relay publish failed", "workspace", workspace, "envelope", env.ID, "error", err)
		}
	}

	// Push is for edges with no live stream anywhere. The publishing
	// instance owns push so a relayed envelope is never pushed twice.
	if d.registry != nil && d.sender != nil {
		pushEdges, err := d.registry.ListForWorkspace(ctx, workspace)
		if err != nil {
			slog.Warn("[Dispatch] push registry lookup failed", "workspace", workspace, "error", err)
		}
		for _, pe := range pushEdges {
			if attached[pe.ID] {
				continue
			}
			if d.sender.Enqueue(pe, env) {
				d.metrics.EnvelopesDelivered.WithLabelValues(workspace, transportPush).Inc()
				delivered++
			}
		}
	}

	if delivered == 0 && len(edges) == 0 {
		d.metrics.EnvelopesDropped.WithLabelValues("no_edges").Inc()
		slog.Info("[Dispatch] no edges for workspace", "workspace", workspace, "envelope", env.ID)
		return 0
	}

	slog.Info("[Dispatch] webhook dispatched",
		"workspace", workspace,
		"envelope", env.ID,
		"type", probe.Type,
		"action", probe.Action,
		"delivered", delivered,
		"indexed", len(edges))
	return delivered
}
