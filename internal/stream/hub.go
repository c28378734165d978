package stream

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/edgebridge/proxy/internal/metrics"
	"github.com/edgebridge/proxy/internal/routing"
)

const (
	// heartbeatInterval is how often each connection emits a heartbeat
	// envelope and refreshes its routing TTLs.
	heartbeatInterval = 30 * time.Second

	// sendBuffer is the per-connection outbound queue. A connection whose
	// buffer cannot be drained is considered dead.
	sendBuffer = 64
)

// Transport labels for attached connections.
const (
	TransportStream = "stream"
	TransportSocket = "socket"
)

// ErrDraining is returned by Attach once shutdown has begun.
var ErrDraining = errors.New("hub is draining")

// TokenValidator resolves a bearer credential to the workspaces it can
// read. A credential is valid exactly when this set is non-empty.
type TokenValidator interface {
	WorkspacesForToken(ctx context.Context, accessToken string) ([]string, error)
}

// conn is one live transport connection. All writes flow through the send
// channel so a single goroutine owns the wire and lines never interleave.
type conn struct {
	edge      *routing.EdgeConnection
	transport string
	send      chan Envelope
	done      chan struct{}
	once      sync.Once
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue offers an envelope without blocking. False means the connection
// is closed or its buffer is full; either way it gets nothing.
func (c *conn) enqueue(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Hub tracks every live connection on this instance, fans envelopes out to
// them and keeps the shared routing table in step with reality.
type Hub struct {
	table   *routing.Table
	metrics *metrics.Metrics

	// heartbeatEvery is heartbeatInterval outside of tests.
	heartbeatEvery time.Duration

	mu       sync.RWMutex
	edges    map[string][]*conn // fingerprint -> live connections
	draining bool
}

func NewHub(table *routing.Table, m *metrics.Metrics) *Hub {
	return &Hub{
		table:          table,
		metrics:        m,
		heartbeatEvery: heartbeatInterval,
		edges:          make(map[string][]*conn),
	}
}

// Attach registers a connection for an authenticated edge. The routing
// table is written first so fan-out on other instances can already see the
// edge; the initial connection envelope is queued before the connection
// becomes visible to Broadcast, making it the first line on the wire.
func (h *Hub) Attach(ctx context.Context, edge *routing.EdgeConnection, transport string) (*conn, error) {
	h.mu.RLock()
	draining := h.draining
	h.mu.RUnlock()
	if draining {
		return nil, ErrDraining
	}

	if err := h.table.Attach(ctx, edge); err != nil {
		return nil, err
	}

	c := &conn{
		edge:      edge,
		transport: transport,
		send:      make(chan Envelope, sendBuffer),
		done:      make(chan struct{}),
	}
	c.send <- NewConnection(StatusConnected)

	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		if err := h.table.Detach(ctx, edge); err != nil {
			slog.Warn("[Stream] detach after refused attach failed", "error", err)
		}
		return nil, ErrDraining
	}
	h.edges[edge.Fingerprint] = append(h.edges[edge.Fingerprint], c)
	h.mu.Unlock()

	h.metrics.StreamConnections.WithLabelValues(transport).Inc()
	go h.heartbeat(c)
	return c, nil
}

// Detach removes one connection. The routing table entry survives until the
// last connection for the edge is gone; its heartbeat dies with it.
func (h *Hub) Detach(ctx context.Context, c *conn) {
	h.mu.Lock()
	conns := h.edges[c.edge.Fingerprint]
	idx := slices.Index(conns, c)
	if idx < 0 {
		h.mu.Unlock()
		c.close()
		return
	}
	conns = slices.Delete(conns, idx, idx+1)
	last := len(conns) == 0
	if last {
		delete(h.edges, c.edge.Fingerprint)
	} else {
		h.edges[c.edge.Fingerprint] = conns
	}
	h.mu.Unlock()

	c.close()
	h.metrics.StreamConnections.WithLabelValues(c.transport).Dec()

	if last {
		if err := h.table.Detach(ctx, c.edge); err != nil {
			slog.Warn("[Stream] routing detach failed", "fingerprint", fpPrefix(c.edge.Fingerprint), "error", err)
		}
	}
	slog.Info("[Stream] connection closed", "fingerprint", fpPrefix(c.edge.Fingerprint), "transport", c.transport, "last", last)
}

// Broadcast delivers an envelope to every local connection whose workspace
// set contains the given workspace. A connection that cannot take the
// envelope is torn down; sibling connections of the same edge still receive
// it. Returns the fingerprints that got at least one copy.
func (h *Hub) Broadcast(workspace string, env Envelope) []string {
	h.mu.RLock()
	var targets []*conn
	for _, conns := range h.edges {
		for _, c := range conns {
			if slices.Contains(c.edge.WorkspaceIDs, workspace) {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	var delivered []string
	for _, c := range targets {
		if c.enqueue(env) {
			if !slices.Contains(delivered, c.edge.Fingerprint) {
				delivered = append(delivered, c.edge.Fingerprint)
			}
			h.metrics.EnvelopesDelivered.WithLabelValues(workspace, c.transport).Inc()
			continue
		}
		h.metrics.EnvelopesDropped.WithLabelValues("buffer_full").Inc()
		slog.Warn("[Stream] send buffer full, closing connection", "fingerprint", fpPrefix(c.edge.Fingerprint))
		go h.Detach(context.Background(), c)
	}
	return delivered
}

// ConnectionCount reports live connections on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.edges {
		n += len(conns)
	}
	return n
}

// Drain refuses new attaches, queues a draining notice on every connection
// and closes them. Writers flush whatever is queued before they exit, so
// the notice is the last line each edge sees.
func (h *Hub) Drain() {
	h.mu.Lock()
	h.draining = true
	var all []*conn
	for _, conns := range h.edges {
		all = append(all, conns...)
	}
	h.mu.Unlock()

	slog.Info("[Stream] draining", "connections", len(all))
	for _, c := range all {
		c.enqueue(NewConnection(StatusDraining))
		c.close()
	}
}

// heartbeat emits keep-alives and refreshes routing TTLs until the
// connection closes. Each connection runs its own ticker so draining one
// edge never stalls another.
func (h *Hub) heartbeat(c *conn) {
	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.enqueue(NewHeartbeat()) {
				select {
				case <-c.done:
				default:
					slog.Warn("[Stream] heartbeat buffer full, closing connection", "fingerprint", fpPrefix(c.edge.Fingerprint))
					h.Detach(context.Background(), c)
				}
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := h.table.Touch(ctx, c.edge); err != nil {
				slog.Warn("[Stream] heartbeat refresh failed", "fingerprint", fpPrefix(c.edge.Fingerprint), "error", err)
			}
			cancel()
		case <-c.done:
			return
		}
	}
}

func fpPrefix(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
