package accounts

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/StricklySoft/billing-trust/pkg/auth"
	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// DefaultCacheTTL keeps deleted users resolvable for at most this long.
const DefaultCacheTTL = 30 * time.Second

const userKeyPrefix = "billing:user:"

// Cache is satisfied by *redis.Client. Get reports a miss as a NotFound
// error.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
}

// CachedUsers is a read-through cache in front of a UserStore. Cache
// failures are logged and bypassed; only the backing store can fail a
// lookup. Missing users are never cached.
type CachedUsers struct {
	next   auth.UserStore
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

var _ auth.UserStore = (*CachedUsers)(nil)

// NewCachedUsers wraps next. ttl <= 0 selects DefaultCacheTTL.
func NewCachedUsers(next auth.UserStore, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedUsers {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedUsers{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedUsers) UserByID(ctx context.Context, id string) (*auth.UserRecord, error) {
	key := userKeyPrefix + id

	raw, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var u auth.UserRecord
		if jerr := json.Unmarshal([]byte(raw), &u); jerr == nil && u.ID == id {
			return &u, nil
		}
		c.logger.WarnContext(ctx, "accounts: discarding corrupt cache entry", "key", key)
		c.evict(ctx, key)
	case !sserr.IsNotFound(err):
		c.logger.WarnContext(ctx, "accounts: user cache unavailable", "error", err)
	}

	u, err := c.next.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(u)
	if err == nil {
		err = c.cache.Set(ctx, key, payload, c.ttl)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "accounts: failed to cache user", "error", err)
	}
	return u, nil
}

// Invalidate drops the cached entry for id.
func (c *CachedUsers) Invalidate(ctx context.Context, id string) error {
	_, err := c.cache.Del(ctx, userKeyPrefix+id)
	return err
}

func (c *CachedUsers) evict(ctx context.Context, key string) {
	if _, err := c.cache.Del(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "accounts: failed to evict cache entry", "key", key, "error", err)
	}
}
