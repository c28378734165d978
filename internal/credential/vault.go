package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edgebridge/proxy/internal/store"
)

const (
	tokenKeyPrefix     = "oauth:token:"
	workspaceKeyPrefix = "workspace:meta:"

	workspaceMetaTTL = 24 * time.Hour
)

// ErrRefreshNotImplemented is returned by Vault.Refresh. Expired credentials
// evict via their store TTL and the workspace re-authorizes; callers must
// tolerate this error rather than depend on refresh.
var ErrRefreshNotImplemented = errors.New("credential refresh not implemented")

// Vault stores one encrypted credential per workspace, plus the workspace
// metadata discovered alongside it. The store entry's TTL tracks the
// credential's own expiry so revoked-by-time records vanish on their own.
type Vault struct {
	store  store.Store
	cipher *Cipher
}

func NewVault(s store.Store, cipher *Cipher) *Vault {
	return &Vault{store: s, cipher: cipher}
}

// Save seals cred and writes it under the credential's workspace with
// TTL = max(1s, expiry - now), at one-second granularity.
func (v *Vault) Save(ctx context.Context, cred *Credential) error {
	if cred.WorkspaceID == "" {
		return errors.New("credential has no workspace")
	}
	enc, err := v.cipher.EncryptCredential(cred)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	data, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	seconds := int64(time.Until(cred.ExpiresAt) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return v.store.Put(ctx, tokenKeyPrefix+cred.WorkspaceID, data, time.Duration(seconds)*time.Second)
}

// Get returns the decrypted credential for a workspace, or (nil, nil) when
// none is stored. A record that fails to decode or authenticate is deleted
// and reported absent: corrupt ciphertext is unrecoverable and the workspace
// has to re-authorize anyway.
func (v *Vault) Get(ctx context.Context, workspaceID string) (*Credential, error) {
	key := tokenKeyPrefix + workspaceID
	data, err := v.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var enc EncryptedCredential
	if err := json.Unmarshal(data, &enc); err != nil {
		v.dropCorrupt(ctx, key, workspaceID)
		return nil, nil
	}
	cred, err := v.cipher.DecryptCredential(&enc)
	if errors.Is(err, ErrCorrupt) {
		v.dropCorrupt(ctx, key, workspaceID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (v *Vault) Delete(ctx context.Context, workspaceID string) error {
	return v.store.Delete(ctx, tokenKeyPrefix+workspaceID)
}

// Refresh would exchange the stored refresh token for a new access token.
func (v *Vault) Refresh(ctx context.Context, workspaceID string) (*Credential, error) {
	return nil, ErrRefreshNotImplemented
}

func (v *Vault) dropCorrupt(ctx context.Context, key, workspaceID string) {
	slog.Warn("[Vault] dropping corrupt credential record", "workspace", workspaceID)
	if err := v.store.Delete(ctx, key); err != nil {
		slog.Warn("[Vault] failed to delete corrupt record", "workspace", workspaceID, "error", err)
	}
}

// SaveWorkspace writes workspace metadata with a 24 h TTL. Written on every
// OAuth completion, so active workspaces stay fresh.
func (v *Vault) SaveWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		return errors.New("workspace has no id")
	}
	ws.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}
	return v.store.Put(ctx, workspaceKeyPrefix+ws.ID, data, workspaceMetaTTL)
}

func (v *Vault) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	data, err := v.store.Get(ctx, workspaceKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("unmarshal workspace %s: %w", id, err)
	}
	return &ws, nil
}

// ListWorkspaceIDs returns the ids of all workspaces with live metadata.
func (v *Vault) ListWorkspaceIDs(ctx context.Context) ([]string, error) {
	keys, err := v.store.List(ctx, workspaceKeyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, workspaceKeyPrefix))
	}
	return ids, nil
}
