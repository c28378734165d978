package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisWithClient(client)
	t.Cleanup(func() { s.Close() })
	return mr, s
}

func TestRedisPutGetDelete(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "oauth:token:W1", []byte(`{"a":1}`), 0))

	got, err := s.Get(ctx, "oauth:token:W1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)

	require.NoError(t, s.Delete(ctx, "oauth:token:W1"))
	got, err = s.Get(ctx, "oauth:token:W1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisGetAbsent(t *testing.T) {
	_, s := newTestRedis(t)

	got, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got, "redis.Nil must map to absent, not an error")
}

func TestRedisTTL(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "edge:connection:fp", []byte("conn"), time.Hour))
	assert.InDelta(t, time.Hour.Seconds(), mr.TTL("edge:connection:fp").Seconds(), 1)

	mr.FastForward(time.Hour + time.Second)

	got, err := s.Get(ctx, "edge:connection:fp")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisList(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "workspace:edges:W1", []byte("[]"), 0))
	require.NoError(t, s.Put(ctx, "workspace:edges:W2", []byte("[]"), 0))
	require.NoError(t, s.Put(ctx, "workspace:meta:W1", []byte("{}"), 0))

	keys, err := s.List(ctx, "workspace:edges:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"workspace:edges:W1", "workspace:edges:W2"}, keys)
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	s := NewRedisWithClient(client)
	defer s.Close()

	mr.Close()

	_, err := s.Get(context.Background(), "any")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	err = s.Put(context.Background(), "any", []byte("v"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}
