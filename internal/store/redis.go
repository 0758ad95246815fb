package store

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the production Shared Store backend: a network client to a
// Redis-protocol server. Connection settings mirror the teacher's
// RedisRegistry constructor (pool sizing, retry/backoff, dial/read/write
// timeouts) since both components talk to the same kind of backend.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at redisURL and verifies
// connectivity with a short-lived ping before returning.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second
	opt.PoolTimeout = 10 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an already-constructed redis.Client, useful
// for tests against miniredis-style servers.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.client.Keys(ctx, prefix+"*").Result()
}

func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return s.client.HSet(ctx, key, values).Err()
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return members, nil
}

func (s *RedisStore) ZSetAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZSetCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) ZSetRemoveByScore(ctx context.Context, key string, min, max float64) error {
	return s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

func (s *RedisStore) ZSetCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
	done   chan struct{}
}

func (r *redisSubscription) Channel() <-chan Message { return r.ch }
func (r *redisSubscription) Close() error {
	close(r.done)
	return r.pubsub.Close()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Message, 16),
		done:   make(chan struct{}),
	}

	go func() {
		native := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-native:
				if !ok {
					return
				}
				select {
				case sub.ch <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-sub.done:
					return
				}
			}
		}
	}()

	return sub, nil
}

// formatScore renders a float64 score using Redis's own range-query syntax,
// so callers can pass math.Inf(-1)/math.Inf(1) for open-ended ranges the way
// ZSetRemoveByScore(-inf, cutoff) expects.
func formatScore(v float64) string {
	if math.IsInf(v, -1) {
		return "-inf"
	}
	if math.IsInf(v, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
