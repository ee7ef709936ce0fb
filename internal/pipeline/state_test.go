package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflow/config"
)

func TestMemoryState(t *testing.T) {
	ctx := context.Background()
	s := &MemoryState{}

	_, ok, err := s.LastSuccess(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 4, 1, 9, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	require.NoError(t, s.SetLastSuccess(ctx, at))
	got, ok, err := s.LastSuccess(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(at))
}

func newRedisState(t *testing.T) (*RedisState, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisState(client, "")
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisState(t)

	_, ok, err := s.LastSuccess(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 4, 1, 9, 30, 0, 123456789, time.UTC)
	require.NoError(t, s.SetLastSuccess(ctx, at))
	assert.Equal(t, "2026-04-01T09:30:00.123456789Z", mustGet(t, mr, "coinflow:last_success"))

	got, ok, err := s.LastSuccess(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(at))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestRedisStateCorruptValue(t *testing.T) {
	s, mr := newRedisState(t)
	require.NoError(t, mr.Set("coinflow:last_success", "yesterday"))

	_, _, err := s.LastSuccess(context.Background())
	assert.ErrorContains(t, err, "parse watermark")
}

func TestRedisStateUnavailable(t *testing.T) {
	s, mr := newRedisState(t)
	mr.Close()

	_, _, err := s.LastSuccess(context.Background())
	assert.Error(t, err)
}

func TestNewStateStore(t *testing.T) {
	s, err := NewStateStore(config.StateConfig{Backend: config.StateMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryState{}, s)

	mr := miniredis.RunT(t)
	s, err = NewStateStore(config.StateConfig{Backend: config.StateRedis, Redis: config.RedisConfig{Addr: mr.Addr(), Key: "wm"}})
	require.NoError(t, err)
	require.IsType(t, &RedisState{}, s)
	require.NoError(t, s.SetLastSuccess(context.Background(), time.Unix(0, 0)))
	assert.True(t, mr.Exists("wm"))

	_, err = NewStateStore(config.StateConfig{Backend: "etcd"})
	assert.Error(t, err)
}
