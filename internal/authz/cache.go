package authz

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/db"
)

// Cache stores verdicts across page views of the same visitor session.
type Cache interface {
	Get(ctx context.Context, domain string) (Verdict, bool)
	Set(ctx context.Context, v Verdict)
	Delete(ctx context.Context, domain string)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Verdict
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Verdict)}
}

func (c *MemoryCache) Get(_ context.Context, domain string) (Verdict, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[domain]
	return v, ok
}

func (c *MemoryCache) Set(_ context.Context, v Verdict) {
	c.mu.Lock()
	c.entries[v.Domain] = v
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(_ context.Context, domain string) {
	c.mu.Lock()
	delete(c.entries, domain)
	c.mu.Unlock()
}

// RedisCache keeps verdicts in Redis. Redis errors are treated as misses so a
// cache outage never blocks delivery on its own.
type RedisCache struct {
	store  *db.RedisStore
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisCache(store *db.RedisStore, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{store: store, logger: logger, now: time.Now}
}

func (c *RedisCache) Get(ctx context.Context, domain string) (Verdict, bool) {
	data, err := c.store.LoadVerdict(ctx, domain)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			c.logger.Warn("verdict cache read failed", zap.String("domain", domain), zap.Error(err))
		}
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("discarding unreadable cached verdict", zap.String("domain", domain), zap.Error(err))
		return Verdict{}, false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, v Verdict) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ttl := v.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	if err := c.store.SaveVerdict(ctx, v.Domain, data, ttl); err != nil {
		c.logger.Warn("verdict cache write failed", zap.String("domain", v.Domain), zap.Error(err))
	}
}

func (c *RedisCache) Delete(ctx context.Context, domain string) {
	if err := c.store.DeleteVerdict(ctx, domain); err != nil {
		c.logger.Warn("verdict cache delete failed", zap.String("domain", domain), zap.Error(err))
	}
}
