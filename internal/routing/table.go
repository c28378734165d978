// Package routing maintains the bidirectional workspace/edge index that
// webhook fan-out consults. Both directions live in the shared store so
// every proxy instance sees the same fleet; entries expire one hour after
// the last heartbeat.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/edgebridge/proxy/internal/store"
)

const (
	connectionKeyPrefix = "edge:connection:"
	indexKeyPrefix      = "workspace:edges:"

	// ConnectionTTL is the sliding lifetime of routing entries. Heartbeats
	// re-put both directions with this TTL; an edge that stops heartbeating
	// disappears from routing within the hour.
	ConnectionTTL = time.Hour
)

// EdgeConnection is the unit of delivery: one authenticated bearer, its
// accessible workspaces, and its liveness timestamps. The bearer itself is
// held in memory only and never serialized.
type EdgeConnection struct {
	Fingerprint  string    `json:"fingerprint"`
	Token        string    `json:"-"`
	WorkspaceIDs []string  `json:"workspace_ids"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Table is the routing table. All writes are full-record single-key puts;
// last-writer-wins races between heartbeats are harmless because every
// writer writes the same full record.
type Table struct {
	store store.Store
}

func NewTable(s store.Store) *Table {
	return &Table{store: s}
}

// Attach records a new edge connection and adds its fingerprint to the index
// of every workspace it can read.
func (t *Table) Attach(ctx context.Context, conn *EdgeConnection) error {
	now := time.Now().UTC()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	conn.LastSeen = now

	if err := t.putConnection(ctx, conn); err != nil {
		return err
	}
	for _, ws := range conn.WorkspaceIDs {
		if err := t.addToIndex(ctx, ws, conn.Fingerprint); err != nil {
			return err
		}
	}
	slog.Info("[Routing] edge attached", "fingerprint", fpPrefix(conn.Fingerprint), "workspaces", len(conn.WorkspaceIDs))
	return nil
}

// Touch refreshes the TTL of the connection record and every index entry the
// edge participates in. Called on each heartbeat tick; it re-creates entries
// that expired while the stream stayed alive.
func (t *Table) Touch(ctx context.Context, conn *EdgeConnection) error {
	conn.LastSeen = time.Now().UTC()
	if err := t.putConnection(ctx, conn); err != nil {
		return err
	}
	for _, ws := range conn.WorkspaceIDs {
		if err := t.addToIndex(ctx, ws, conn.Fingerprint); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes the connection record and strips the fingerprint from every
// workspace index; an index left empty is deleted outright.
func (t *Table) Detach(ctx context.Context, conn *EdgeConnection) error {
	if err := t.store.Delete(ctx, connectionKeyPrefix+conn.Fingerprint); err != nil {
		return err
	}
	for _, ws := range conn.WorkspaceIDs {
		if err := t.removeFromIndex(ctx, ws, conn.Fingerprint); err != nil {
			return err
		}
	}
	slog.Info("[Routing] edge detached", "fingerprint", fpPrefix(conn.Fingerprint))
	return nil
}

// EdgesFor resolves the workspace index to live EdgeConnections. Fingerprints
// whose connection record has expired are pruned from the index on the way
// through, so a stale entry survives at most one lookup.
func (t *Table) EdgesFor(ctx context.Context, workspaceID string) ([]*EdgeConnection, error) {
	fps, err := t.readIndex(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if len(fps) == 0 {
		return nil, nil
	}

	var (
		edges []*EdgeConnection
		live  []string
		stale bool
	)
	for _, fp := range fps {
		conn, err := t.Connection(ctx, fp)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			stale = true
			continue
		}
		edges = append(edges, conn)
		live = append(live, fp)
	}
	if stale {
		if err := t.writeIndex(ctx, workspaceID, live); err != nil {
			slog.Warn("[Routing] failed to prune stale index", "workspace", workspaceID, "error", err)
		}
	}
	return edges, nil
}

// Connection loads a single edge connection record, or nil when absent.
func (t *Table) Connection(ctx context.Context, fingerprint string) (*EdgeConnection, error) {
	data, err := t.store.Get(ctx, connectionKeyPrefix+fingerprint)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var conn EdgeConnection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("unmarshal edge connection: %w", err)
	}
	return &conn, nil
}

// ConnectedCount reports how many edge connections are currently live.
func (t *Table) ConnectedCount(ctx context.Context) (int, error) {
	keys, err := t.store.List(ctx, connectionKeyPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (t *Table) putConnection(ctx context.Context, conn *EdgeConnection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("marshal edge connection: %w", err)
	}
	return t.store.Put(ctx, connectionKeyPrefix+conn.Fingerprint, data, ConnectionTTL)
}

func (t *Table) readIndex(ctx context.Context, workspaceID string) ([]string, error) {
	data, err := t.store.Get(ctx, indexKeyPrefix+workspaceID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var fps []string
	if err := json.Unmarshal(data, &fps); err != nil {
		return nil, fmt.Errorf("unmarshal workspace index %s: %w", workspaceID, err)
	}
	return fps, nil
}

func (t *Table) writeIndex(ctx context.Context, workspaceID string, fps []string) error {
	if len(fps) == 0 {
		return t.store.Delete(ctx, indexKeyPrefix+workspaceID)
	}
	data, err := json.Marshal(fps)
	if err != nil {
		return fmt.Errorf("marshal workspace index: %w", err)
	}
	return t.store.Put(ctx, indexKeyPrefix+workspaceID, data, ConnectionTTL)
}

func (t *Table) addToIndex(ctx context.Context, workspaceID, fingerprint string) error {
	fps, err := t.readIndex(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !slices.Contains(fps, fingerprint) {
		fps = append(fps, fingerprint)
	}
	return t.writeIndex(ctx, workspaceID, fps)
}

func (t *Table) removeFromIndex(ctx context.Context, workspaceID, fingerprint string) error {
	fps, err := t.readIndex(ctx, workspaceID)
	if err != nil {
		return err
	}
	fps = slices.DeleteFunc(fps, func(fp string) bool { return fp == fingerprint })
	return t.writeIndex(ctx, workspaceID, fps)
}

func fpPrefix(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
