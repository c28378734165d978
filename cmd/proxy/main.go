package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/edgebridge/proxy/internal/config"
	"github.com/edgebridge/proxy/internal/credential"
	"github.com/edgebridge/proxy/internal/dispatch"
	"github.com/edgebridge/proxy/internal/ingress"
	"github.com/edgebridge/proxy/internal/metrics"
	"github.com/edgebridge/proxy/internal/oauth"
	"github.com/edgebridge/proxy/internal/push"
	"github.com/edgebridge/proxy/internal/routing"
	"github.com/edgebridge/proxy/internal/server"
	"github.com/edgebridge/proxy/internal/store"
	"github.com/edgebridge/proxy/internal/stream"
)

func main() {
	// .env is development convenience; deployments set real variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("[Main] exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	st, rdb, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if rdb != nil {
		defer rdb.Close()
	}

	cipher, err := credential.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	vault := credential.NewVault(st, cipher)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	table := routing.NewTable(st)
	hub := stream.NewHub(table, m)

	upstream := oauth.NewClient(cfg.Upstream.ClientID, cfg.Upstream.ClientSecret,
		cfg.Upstream.TokenURL, cfg.Upstream.GraphQLURL)
	coordinator := oauth.NewCoordinator(st, vault, upstream, m, cfg)

	pushRegistry := push.NewRegistry(st)
	sender := push.NewSender(pushRegistry, m)
	defer sender.Close()

	// The relay only exists in Redis deployments; single-instance setups
	// have nothing to mirror to.
	var relay *dispatch.Relay
	if rdb != nil {
		relay = dispatch.NewRelay(rdb, hub)
	}
	dispatcher := dispatch.NewDispatcher(table, hub, pushRegistry, sender, relay, m)

	srv := server.New(cfg, server.Components{
		Store:       st,
		Coordinator: coordinator,
		Receiver:    ingress.NewReceiver(cfg.Security.WebhookSecret, dispatcher, m),
		Streams:     stream.NewHandler(hub, upstream, cfg),
		Pushes:      push.NewHandler(pushRegistry, upstream),
		Hub:         hub,
		Dispatcher:  dispatcher,
		Relay:       relay,
		Registry:    registry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("[Main] starting edge proxy",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"relay", relay != nil)
	return srv.Run(ctx)
}

// openStore picks the configured backend. For Redis the raw client is
// returned too so the relay can share the connection pool.
func openStore(cfg *config.Config) (store.Store, *redis.Client, error) {
	switch cfg.Store.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Store.RedisAddr,
			Password:     cfg.Store.RedisPassword,
			DB:           cfg.Store.RedisDB,
			DialTimeout:  3 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
			PoolSize:     20,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Store.RedisAddr, err)
		}
		slog.Info("[Main] redis connected", "addr", cfg.Store.RedisAddr, "db", cfg.Store.RedisDB)
		return store.NewRedisWithClient(rdb), rdb, nil

	case "postgres":
		st, err := store.NewPostgres(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil

	default:
		return store.NewMemory(), nil, nil
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
