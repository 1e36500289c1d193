// Package cache mirrors realtime state (sessions, stats, heartbeat
// metrics, auth audit entries) into a shared Redis so other processes
// can observe it. Mirroring is strictly best-effort: a live websocket
// belongs to exactly one process, so the mirror is visibility, not
// source of truth, and every failure is logged and swallowed.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mirror is the capability interface dependents program against.
type Mirror interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// RedisMirror writes JSON values with a TTL.
type RedisMirror struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisMirror returns a Redis-backed mirror.
func NewRedisMirror(client *redis.Client, log *zap.Logger) *RedisMirror {
	return &RedisMirror{client: client, log: log}
}

// Set marshals value and stores it under key with the given TTL.
func (m *RedisMirror) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		m.log.Error("failed to marshal mirror value", zap.String("key", key), zap.Error(err))
		return
	}
	if err := m.client.Set(ctx, key, data, ttl).Err(); err != nil {
		m.log.Error("failed to mirror value", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key from the mirror.
func (m *RedisMirror) Delete(ctx context.Context, key string) {
	if err := m.client.Del(ctx, key).Err(); err != nil {
		m.log.Error("failed to delete mirrored value", zap.String("key", key), zap.Error(err))
	}
}

// Nop is the mirror used when no shared cache is configured.
type Nop struct{}

func (Nop) Set(context.Context, string, any, time.Duration) {}
func (Nop) Delete(context.Context, string)                  {}
