package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS kv_entries_expires_at_idx ON kv_entries (expires_at) WHERE expires_at IS NOT NULL;
`

// PostgresStore backs the Store contract with a single relational table.
// Expired rows are invisible to reads immediately and reaped by a janitor.
type PostgresStore struct {
	db   *sql.DB
	done chan struct{}
	once sync.Once
}

func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w: %w", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w: %w", ErrUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, kvSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w: %w", ErrUnavailable, err)
	}

	slog.Info("Postgres connected")
	p := &PostgresStore{db: db, done: make(chan struct{})}
	go p.janitor()
	return p, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w: %w", key, ErrUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = $1`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w: %w", key, ErrUnavailable, err)
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_, _ = p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
		return nil, nil
	}
	return value, nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w: %w", key, ErrUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM kv_entries
		 WHERE substr(key, 1, length($1)) = $1
		   AND (expires_at IS NULL OR expires_at > now())`, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w: %w", prefix, ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres list scan: %w: %w", ErrUnavailable, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres list rows: %w: %w", ErrUnavailable, err)
	}
	return keys, nil
}

func (p *PostgresStore) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.db.Close()
}

func (p *PostgresStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at < now()`); err != nil {
				slog.Warn("[PostgresStore] janitor sweep failed", "error", err)
			}
			cancel()
		}
	}
}
