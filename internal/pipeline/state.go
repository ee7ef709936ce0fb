package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"coinflow/config"
)

// StateStore keeps the extraction watermark of the last successful run.
type StateStore interface {
	// LastSuccess returns false when no run has succeeded yet.
	LastSuccess(ctx context.Context) (time.Time, bool, error)
	SetLastSuccess(ctx context.Context, at time.Time) error
}

// NewStateStore builds the store selected by cfg.Backend.
func NewStateStore(cfg config.StateConfig) (StateStore, error) {
	switch cfg.Backend {
	case config.StateRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisState(client, cfg.Redis.Key), nil
	case config.StateMemory, "":
		return &MemoryState{}, nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.Backend)
	}
}

// MemoryState is process-local; a restart begins with no watermark.
type MemoryState struct {
	mu sync.RWMutex
	at time.Time
}

func (m *MemoryState) LastSuccess(context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.at, !m.at.IsZero(), nil
}

func (m *MemoryState) SetLastSuccess(_ context.Context, at time.Time) error {
	m.mu.Lock()
	m.at = at.UTC()
	m.mu.Unlock()
	return nil
}

// RedisState shares the watermark across restarts and replicas.
type RedisState struct {
	client *redis.Client
	key    string
}

func NewRedisState(client *redis.Client, key string) *RedisState {
	if key == "" {
		key = "coinflow:last_success"
	}
	return &RedisState{client: client, key: key}
}

func (r *RedisState) LastSuccess(ctx context.Context) (time.Time, bool, error) {
	v, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark %q: %w", v, err)
	}
	return at, true, nil
}

func (r *RedisState) SetLastSuccess(ctx context.Context, at time.Time) error {
	if err := r.client.Set(ctx, r.key, at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}

func (r *RedisState) Close() error {
	return r.client.Close()
}
