package accounts

import (
	"context"
	"log/slog"

	"github.com/StricklySoft/billing-trust/pkg/auth"
	"github.com/StricklySoft/billing-trust/pkg/clients/postgres"
	"github.com/StricklySoft/billing-trust/pkg/clients/redis"
)

// Stores is an opened identity store.
type Stores struct {
	Users    auth.UserStore
	Sessions auth.SessionStore

	db    *postgres.Client
	cache *redis.Client
}

// Open connects to PostgreSQL, and to Redis when caching is enabled.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Stores, error) {
	db, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	store := NewStore(db)
	s := &Stores{Users: store, Sessions: store, db: db}

	if cfg.CacheEnabled {
		rc, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.cache = rc
		s.Users = NewCachedUsers(store, rc, cfg.CacheTTL, logger)
	}
	return s, nil
}

// DB returns the PostgreSQL client for queries outside the identity
// tables.
func (s *Stores) DB() *postgres.Client { return s.db }

// Health checks every backing connection.
func (s *Stores) Health(ctx context.Context) error {
	if err := s.db.Health(ctx); err != nil {
		return err
	}
	if s.cache != nil {
		return s.cache.Health(ctx)
	}
	return nil
}

// Close releases all connections.
func (s *Stores) Close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	s.db.Close()
}
