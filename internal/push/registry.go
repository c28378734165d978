// Package push delivers envelopes to edges that accept inbound HTTP instead
// of holding a stream open. Registrations and their signing secrets live in
// the shared store; deliveries are signed per request.
package push

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/edgebridge/proxy/internal/credential"
	"github.com/edgebridge/proxy/internal/store"
)

const (
	workerKeyPrefix = "edge:worker:"

	// registrationTTL keeps a push registration alive for 90 days past the
	// last registration or successful delivery.
	registrationTTL = 90 * 24 * time.Hour

	secretBytes = 32
)

// RegisteredEdge is a push-mode edge: where to POST and how to sign. The
// id is the fingerprint of the bearer that registered it.
type RegisteredEdge struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Secret       string    `json:"secret"`
	WorkspaceIDs []string  `json:"workspace_ids"`
	CreatedAt    time.Time `json:"created_at"`
	LastDelivery time.Time `json:"last_delivery,omitempty"`
}

// Registry persists push registrations.
type Registry struct {
	store store.Store
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// Register upserts a registration for the bearer. The signing secret is
// rotated on every call and returned exactly once, here; re-registering is
// how an edge recovers a lost secret.
func (r *Registry) Register(ctx context.Context, token, targetURL string, workspaceIDs []string) (*RegisteredEdge, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate push secret: %w", err)
	}

	edge := &RegisteredEdge{
		ID:           credential.Fingerprint(token),
		URL:          targetURL,
		Secret:       hex.EncodeToString(secret),
		WorkspaceIDs: workspaceIDs,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.put(ctx, edge); err != nil {
		return nil, err
	}
	slog.Info("[Push] edge registered",
		"edge", credential.TokenPrefix(edge.ID),
		"url", targetURL,
		"workspaces", len(workspaceIDs))
	return edge, nil
}

// Get loads a registration, or nil when absent.
func (r *Registry) Get(ctx context.Context, id string) (*RegisteredEdge, error) {
	data, err := r.store.Get(ctx, workerKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var edge RegisteredEdge
	if err := json.Unmarshal(data, &edge); err != nil {
		return nil, fmt.Errorf("unmarshal push registration %s: %w", id, err)
	}
	return &edge, nil
}

// Delete removes a registration. Deleting an absent id is not an error.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, workerKeyPrefix+id); err != nil {
		return err
	}
	slog.Info("[Push] edge unregistered", "edge", credential.TokenPrefix(id))
	return nil
}

// ListForWorkspace returns every registration that can receive events for
// the workspace.
func (r *Registry) ListForWorkspace(ctx context.Context, workspaceID string) ([]*RegisteredEdge, error) {
	keys, err := r.store.List(ctx, workerKeyPrefix)
	if err != nil {
		return nil, err
	}

	var edges []*RegisteredEdge
	for _, key := range keys {
		edge, err := r.Get(ctx, strings.TrimPrefix(key, workerKeyPrefix))
		if err != nil {
			return nil, err
		}
		if edge == nil {
			continue
		}
		if slices.Contains(edge.WorkspaceIDs, workspaceID) {
			edges = append(edges, edge)
		}
	}
	return edges, nil
}

// MarkDelivered refreshes the registration TTL after a successful delivery
// so actively used registrations never lapse.
func (r *Registry) MarkDelivered(ctx context.Context, edge *RegisteredEdge) error {
	edge.LastDelivery = time.Now().UTC()
	return r.put(ctx, edge)
}

func (r *Registry) put(ctx context.Context, edge *RegisteredEdge) error {
	data, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("marshal push registration: %w", err)
	}
	return r.store.Put(ctx, workerKeyPrefix+edge.ID, data, registrationTTL)
}
