// Package store defines the Shared Store abstraction: a narrow key-value +
// sorted-set + pub/sub contract modeled on a Redis-protocol server
// (spec.md §4.1). MemoryStore and RedisStore both satisfy Store so the
// Rate Limiter and Agent Registry can run against either one unmodified.
package store

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live channel subscription returned by Subscribe.
type Subscription interface {
	// Channel streams incoming messages until Close is called or the
	// underlying connection is torn down.
	Channel() <-chan Message
	Close() error
}

// Store is the Shared Store contract every backend (in-memory, Redis)
// implements. All single-key operations are atomic. The contract has no
// multi-key or pipelined batch operation: a caller that touches several
// keys issues one call per key, with no cross-key transaction guarantee.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	ZSetAdd(ctx context.Context, key string, score float64, member string) error
	ZSetCount(ctx context.Context, key string, min, max float64) (int64, error)
	ZSetRemoveByScore(ctx context.Context, key string, min, max float64) error
	ZSetCard(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
