package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edgebridge/proxy/internal/stream"
)

// relayChannel is the pub/sub channel every proxy instance shares.
const relayChannel = "proxy:relay"

// relayMessage crosses instances carrying the already-built envelope, so an
// event keeps one id no matter which instance an edge is attached to.
type relayMessage struct {
	Instance  string          `json:"instance"`
	Workspace string          `json:"workspace"`
	Envelope  stream.Envelope `json:"envelope"`
}

// Relay mirrors envelopes to the streams held by other proxy instances via
// Redis pub/sub. Receivers deliver to local streams only; push delivery
// stays with the publishing instance.
type Relay struct {
	rdb        *redis.Client
	hub        *stream.Hub
	instanceID string
	ready      chan struct{}
}

func NewRelay(rdb *redis.Client, hub *stream.Hub) *Relay {
	return &Relay{
		rdb:        rdb,
		hub:        hub,
		instanceID: uuid.New().String(),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the subscription is live. Publishing before then is
// legal; the message just cannot reach this instance.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Publish mirrors an envelope to the other instances.
func (r *Relay) Publish(ctx context.Context, workspace string, env stream.Envelope) error {
	msg := relayMessage{Instance: r.instanceID, Workspace: workspace, Envelope: env}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	if err := r.rdb.Publish(ctx, relayChannel, data).Err(); err != nil {
		return fmt.Errorf("publish relay message: %w", err)
	}
	return nil
}

// Run subscribes and delivers relayed envelopes to local streams until the
// context ends.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, relayChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", relayChannel, err)
	}
	close(r.ready)
	slog.Info("[Relay] subscribed", "channel", relayChannel, "instance", r.instanceID)

	ch := sub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(m.Payload)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle delivers one relayed message to local streams. Messages published
// by this instance are skipped; their local delivery already happened.
func (r *Relay) handle(payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Warn("[Relay] dropping malformed message", "error", err)
		return
	}
	if msg.Instance == r.instanceID {
		return
	}

	delivered := r.hub.Broadcast(msg.Workspace, msg.Envelope)
	if len(delivered) > 0 {
		slog.Info("[Relay] envelope relayed",
			"workspace", msg.Workspace,
			"envelope", msg.Envelope.ID,
			"edges", len(delivered))
	}
}
