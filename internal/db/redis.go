// Package db holds the Redis-backed persistence used across page views:
// authorization verdicts, publisher-provided IDs and visit counters.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Ctx: context.Background()}
}

func verdictKey(domain string) string { return fmt.Sprintf("authz:verdict:%s", domain) }

// SaveVerdict stores an encoded authorization verdict for domain.
func (r *RedisStore) SaveVerdict(ctx context.Context, domain string, data []byte, ttl time.Duration) error {
	return r.Client.Set(ctx, verdictKey(domain), data, ttl).Err()
}

// LoadVerdict returns the encoded verdict for domain or ErrNotFound.
func (r *RedisStore) LoadVerdict(ctx context.Context, domain string) ([]byte, error) {
	data, err := r.Client.Get(ctx, verdictKey(domain)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// DeleteVerdict drops the cached verdict for domain.
func (r *RedisStore) DeleteVerdict(ctx context.Context, domain string) error {
	return r.Client.Del(ctx, verdictKey(domain)).Err()
}

// IncrementVisits counts page views for a visitor. The window TTL is applied
// on the first visit. Returns the current count.
func (r *RedisStore) IncrementVisits(ctx context.Context, visitorID string, window time.Duration) (int64, error) {
	key := fmt.Sprintf("visits:%s", visitorID)
	val, err := r.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if val == 1 {
		r.Client.Expire(ctx, key, window)
	}
	return val, nil
}

// IncrementPageDepth counts page views within one browsing session.
func (r *RedisStore) IncrementPageDepth(ctx context.Context, sessionID string, window time.Duration) (int64, error) {
	key := fmt.Sprintf("depth:%s", sessionID)
	val, err := r.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if val == 1 {
		r.Client.Expire(ctx, key, window)
	}
	return val, nil
}

func ppidKey(domain, visitorID string) string {
	return fmt.Sprintf("ppid:%s:%s", domain, visitorID)
}

// LoadPPID returns the persisted publisher-provided ID or ErrNotFound.
func (r *RedisStore) LoadPPID(ctx context.Context, domain, visitorID string) (string, error) {
	v, err := r.Client.Get(ctx, ppidKey(domain, visitorID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// SavePPID persists a publisher-provided ID. A zero ttl keeps it forever.
func (r *RedisStore) SavePPID(ctx context.Context, domain, visitorID, ppid string, ttl time.Duration) error {
	return r.Client.Set(ctx, ppidKey(domain, visitorID), ppid, ttl).Err()
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
