package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("LINEAR_CLIENT_ID", "client-id")
	t.Setenv("LINEAR_CLIENT_SECRET", "client-secret")
	t.Setenv("LINEAR_WEBHOOK_SECRET", "webhook-secret")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "http://localhost:3000", cfg.Server.PublicURL)
	assert.Equal(t, "http://localhost:3000/oauth/callback", cfg.Upstream.RedirectURI)
	assert.Equal(t, DefaultAuthorizeURL, cfg.Upstream.AuthorizeURL)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.False(t, cfg.Stream.SimulateDisconnect)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("LINEAR_CLIENT_ID", "client-id")
	t.Setenv("LINEAR_CLIENT_SECRET", "")
	t.Setenv("LINEAR_WEBHOOK_SECRET", "")
	t.Setenv("ENCRYPTION_KEY", "k")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LINEAR_CLIENT_SECRET")
	assert.Contains(t, err.Error(), "LINEAR_WEBHOOK_SECRET")
}

func TestLoadRedisBackendInferred(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 2, cfg.Store.RedisDB)
}

func TestLoadBackendValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown backend",
			env:     map[string]string{"STORE_BACKEND": "etcd"},
			wantErr: "unknown STORE_BACKEND",
		},
		{
			name:    "redis without addr",
			env:     map[string]string{"STORE_BACKEND": "redis"},
			wantErr: "requires REDIS_ADDR",
		},
		{
			name:    "postgres without dsn",
			env:     map[string]string{"STORE_BACKEND": "postgres"},
			wantErr: "requires DATABASE_URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadCallbackOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "8080")
	t.Setenv("PROXY_PUBLIC_URL", "https://proxy.example.com/")
	t.Setenv("OAUTH_REDIRECT_URI", "https://proxy.example.com/oauth/callback")
	t.Setenv("SIMULATE_DISCONNECT", "true")
	t.Setenv("DISCONNECT_AFTER_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "https://proxy.example.com", cfg.Server.PublicURL)
	assert.True(t, cfg.Stream.SimulateDisconnect)
	assert.Equal(t, 250, cfg.Stream.DisconnectAfterMs)
}
