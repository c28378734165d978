package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults for the upstream (Linear-shaped) endpoints. Tests point these at
// local servers via the corresponding environment variables.
const (
	DefaultAuthorizeURL = "https://linear.app/oauth/authorize"
	DefaultTokenURL     = "https://api.linear.app/oauth/token"
	DefaultGraphQLURL   = "https://api.linear.app/graphql"

	DefaultPort = "3000"
)

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Store    StoreConfig
	Security SecurityConfig
	Stream   StreamConfig
}

type ServerConfig struct {
	Port      string
	PublicURL string
	LogLevel  string
}

type UpstreamConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthorizeURL string
	TokenURL     string
	GraphQLURL   string
}

type SecurityConfig struct {
	WebhookSecret string
	EncryptionKey string
}

type StoreConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string
}

// StreamConfig carries test-only knobs for exercising disconnect handling.
type StreamConfig struct {
	SimulateDisconnect bool
	DisconnectAfterMs  int
}

// Load reads configuration from the environment. Required variables are
// collected and reported together so a misconfigured deployment fails once
// with the full list instead of one variable at a time.
func Load() (*Config, error) {
	port := envOr("PORT", DefaultPort)
	publicURL := envOr("PROXY_PUBLIC_URL", "http://localhost:"+port)

	cfg := &Config{
		Server: ServerConfig{
			Port:      port,
			PublicURL: strings.TrimRight(publicURL, "/"),
			LogLevel:  envOr("LOG_LEVEL", "info"),
		},
		Upstream: UpstreamConfig{
			ClientID:     os.Getenv("LINEAR_CLIENT_ID"),
			ClientSecret: os.Getenv("LINEAR_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("OAUTH_REDIRECT_URI"),
			AuthorizeURL: envOr("LINEAR_AUTHORIZE_URL", DefaultAuthorizeURL),
			TokenURL:     envOr("LINEAR_TOKEN_URL", DefaultTokenURL),
			GraphQLURL:   envOr("LINEAR_GRAPHQL_URL", DefaultGraphQLURL),
		},
		Store: StoreConfig{
			Backend:       envOr("STORE_BACKEND", ""),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       envInt("REDIS_DB", 0),
			PostgresDSN:   os.Getenv("DATABASE_URL"),
		},
		Security: SecurityConfig{
			WebhookSecret: os.Getenv("LINEAR_WEBHOOK_SECRET"),
			EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		},
		Stream: StreamConfig{
			SimulateDisconnect: envBool("SIMULATE_DISCONNECT", false),
			DisconnectAfterMs:  envInt("DISCONNECT_AFTER_MS", 0),
		},
	}

	if cfg.Upstream.RedirectURI == "" {
		cfg.Upstream.RedirectURI = cfg.Server.PublicURL + "/oauth/callback"
	}
	if cfg.Store.Backend == "" {
		if cfg.Store.RedisAddr != "" {
			cfg.Store.Backend = "redis"
		} else {
			cfg.Store.Backend = "memory"
		}
	}

	var missing []string
	if cfg.Upstream.ClientID == "" {
		missing = append(missing, "LINEAR_CLIENT_ID")
	}
	if cfg.Upstream.ClientSecret == "" {
		missing = append(missing, "LINEAR_CLIENT_SECRET")
	}
	if cfg.Security.WebhookSecret == "" {
		missing = append(missing, "LINEAR_WEBHOOK_SECRET")
	}
	if cfg.Security.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch cfg.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (want memory, redis or postgres)", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "redis" && cfg.Store.RedisAddr == "" {
		return nil, fmt.Errorf("STORE_BACKEND=redis requires REDIS_ADDR")
	}
	if cfg.Store.Backend == "postgres" && cfg.Store.PostgresDSN == "" {
		return nil, fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
