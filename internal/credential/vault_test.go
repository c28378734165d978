package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/proxy/internal/store"
)

func newTestVault(t *testing.T) (*Vault, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	cipher, err := NewCipher("vault-test-secret")
	require.NoError(t, err)
	return NewVault(s, cipher), s
}

func TestVaultSaveGet(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	cred := testCredential()
	require.NoError(t, v.Save(ctx, cred))

	got, err := v.Get(ctx, "W1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cred, got)
}

func TestVaultGetAbsent(t *testing.T) {
	v, _ := newTestVault(t)

	got, err := v.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVaultSaveRequiresWorkspace(t *testing.T) {
	v, _ := newTestVault(t)

	cred := testCredential()
	cred.WorkspaceID = ""
	assert.Error(t, v.Save(context.Background(), cred))
}

func TestVaultTTLTracksExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisWithClient(client)
	t.Cleanup(func() { s.Close() })

	cipher, err := NewCipher("vault-test-secret")
	require.NoError(t, err)
	v := NewVault(s, cipher)
	ctx := context.Background()

	cred := testCredential()
	cred.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, v.Save(ctx, cred))

	ttl := mr.TTL("oauth:token:W1")
	assert.LessOrEqual(t, ttl, time.Hour+time.Second)
	assert.Greater(t, ttl, time.Hour-5*time.Second)

	// An already-expiring credential still gets the minimum one-second TTL.
	cred.ExpiresAt = time.Now().Add(100 * time.Millisecond)
	require.NoError(t, v.Save(ctx, cred))
	assert.Equal(t, time.Second, mr.TTL("oauth:token:W1"))
}

func TestVaultCorruptRecordSelfHeals(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Save(ctx, testCredential()))

	// Flip one byte of the stored access-token ciphertext.
	raw, err := s.Get(ctx, "oauth:token:W1")
	require.NoError(t, err)
	var enc EncryptedCredential
	require.NoError(t, json.Unmarshal(raw, &enc))
	ct, err := base64.StdEncoding.DecodeString(enc.AccessToken)
	require.NoError(t, err)
	ct[len(ct)/2] ^= 0x01
	enc.AccessToken = base64.StdEncoding.EncodeToString(ct)
	mutated, err := json.Marshal(&enc)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "oauth:token:W1", mutated, 0))

	got, err := v.Get(ctx, "W1")
	require.NoError(t, err)
	assert.Nil(t, got, "corrupt record must read as absent")

	stored, err := s.Get(ctx, "oauth:token:W1")
	require.NoError(t, err)
	assert.Nil(t, stored, "corrupt record must be deleted")

	got, err = v.Get(ctx, "W1")
	require.NoError(t, err)
	assert.Nil(t, got, "subsequent reads stay absent without error")
}

func TestVaultGarbageRecordSelfHeals(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "oauth:token:W9", []byte("not json"), 0))

	got, err := v.Get(ctx, "W9")
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := s.Get(ctx, "oauth:token:W9")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestVaultDelete(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Save(ctx, testCredential()))
	require.NoError(t, v.Delete(ctx, "W1"))

	got, err := v.Get(ctx, "W1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVaultRefreshNotImplemented(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.Refresh(context.Background(), "W1")
	assert.ErrorIs(t, err, ErrRefreshNotImplemented)
}

func TestVaultWorkspaceMetadata(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisWithClient(client)
	t.Cleanup(func() { s.Close() })

	cipher, err := NewCipher("vault-test-secret")
	require.NoError(t, err)
	v := NewVault(s, cipher)
	ctx := context.Background()

	ws := &Workspace{ID: "W1", Name: "Acme", URLKey: "acme", TeamIDs: []string{"T1", "T2"}}
	require.NoError(t, v.SaveWorkspace(ctx, ws))

	got, err := v.GetWorkspace(ctx, "W1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, []string{"T1", "T2"}, got.TeamIDs)
	assert.False(t, got.UpdatedAt.IsZero())

	assert.InDelta(t, (24 * time.Hour).Seconds(), mr.TTL("workspace:meta:W1").Seconds(), 2)

	ids, err := v.ListWorkspaceIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"W1"}, ids)

	missing, err := v.GetWorkspace(ctx, "W2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
