package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/redis/go-redis/v9"
)

// Cached is a read-through Redis cache in front of another Catalog.
// Redis errors fall back to the source; not-found answers are never cached.
type Cached struct {
	src    Catalog
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewCached(src Catalog, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{src: src, rdb: rdb, ttl: ttl, prefix: "catalog", logger: logger}
}

func (c *Cached) Service(ctx context.Context, id string) (model.Service, error) {
	var s model.Service
	if c.get(ctx, c.key("service", id), &s) {
		return s, nil
	}
	s, err := c.src.Service(ctx, id)
	if err != nil {
		return model.Service{}, err
	}
	c.set(ctx, c.key("service", id), s)
	return s, nil
}

func (c *Cached) Department(ctx context.Context, id string) (model.Department, error) {
	var d model.Department
	if c.get(ctx, c.key("department", id), &d) {
		return d, nil
	}
	d, err := c.src.Department(ctx, id)
	if err != nil {
		return model.Department{}, err
	}
	c.set(ctx, c.key("department", id), d)
	return d, nil
}

// Invalidate drops cached entries after a catalog change.
func (c *Cached) Invalidate(ctx context.Context, kind, id string) error {
	return c.rdb.Del(ctx, c.key(kind, id)).Err()
}

func (c *Cached) key(kind, id string) string {
	return c.prefix + ":" + kind + ":" + id
}

func (c *Cached) get(ctx context.Context, key string, dst any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("catalog cache read failed", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("catalog cache entry corrupt", "key", key, "err", err)
		return false
	}
	return true
}

func (c *Cached) set(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("catalog cache write failed", "key", key, "err", err)
	}
}
