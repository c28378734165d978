// Package stream delivers envelopes to connected edge workers over
// long-lived NDJSON responses and WebSocket sessions. Each edge is keyed by
// the fingerprint of its bearer credential; every connection for the same
// bearer receives every envelope.
package stream

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Envelope types.
const (
	TypeConnection = "connection"
	TypeHeartbeat  = "heartbeat"
	TypeWebhook    = "webhook"
)

// Status values carried by connection envelopes.
const (
	StatusConnected = "connected"
	StatusDraining  = "draining"
)

// Envelope is one line on the wire: a single JSON object plus newline.
// For webhook envelopes Data is the verbatim upstream payload.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Status    string          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// envelopeCounter makes ids readable in logs. Uniqueness across restarts
// comes from the wall-clock suffix, not the counter.
var envelopeCounter atomic.Int64

func nextEnvelopeID() string {
	return fmt.Sprintf("%d-%d", envelopeCounter.Add(1), time.Now().UnixMilli())
}

// NewWebhook wraps a verified upstream payload for delivery.
func NewWebhook(payload []byte) Envelope {
	return Envelope{
		ID:        nextEnvelopeID(),
		Type:      TypeWebhook,
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(payload),
	}
}

// NewConnection builds the synthetic envelope that opens and drains streams.
func NewConnection(status string) Envelope {
	return Envelope{
		ID:        nextEnvelopeID(),
		Type:      TypeConnection,
		Timestamp: time.Now().UTC(),
		Status:    status,
	}
}

// NewHeartbeat builds a keep-alive envelope.
func NewHeartbeat() Envelope {
	return Envelope{
		ID:        nextEnvelopeID(),
		Type:      TypeHeartbeat,
		Timestamp: time.Now().UTC(),
	}
}
