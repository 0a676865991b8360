package cache

import (
	"context"
	"time"
)

// Store represents the shared key-value cache interface used across the
// engine. Presence tracking is its primary consumer: TTL semantics are
// explicit and owned by the store, not by callers.
type Store interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}
