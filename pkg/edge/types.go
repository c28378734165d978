package edge

import (
	"encoding/json"
	"time"
)

// Envelope is one event from the proxy. Webhook envelopes carry the verbatim
// upstream payload in Data; connection envelopes carry a Status instead.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Status    string          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Envelope types.
const (
	TypeConnection = "connection"
	TypeHeartbeat  = "heartbeat"
	TypeWebhook    = "webhook"
)

// Connection statuses.
const (
	StatusConnected = "connected"
	StatusDraining  = "draining"
)

// Registration is the proxy's response to a push registration. Secret is
// returned exactly once; store it, it signs every webhook pushed to you.
type Registration struct {
	ID           string   `json:"id"`
	URL          string   `json:"url"`
	Secret       string   `json:"secret"`
	WorkspaceIDs []string `json:"workspace_ids"`
}
