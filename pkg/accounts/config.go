package accounts

import (
	"time"

	"github.com/StricklySoft/billing-trust/pkg/clients/postgres"
	"github.com/StricklySoft/billing-trust/pkg/clients/redis"
)

// Config wires the identity store. The Redis cache is used only when
// CacheEnabled is set.
type Config struct {
	Postgres     postgres.Config `env:"POSTGRES" yaml:"postgres" json:"postgres"`
	Redis        redis.Config    `env:"REDIS" yaml:"redis" json:"redis"`
	CacheEnabled bool            `env:"CACHE_ENABLED" yaml:"cache_enabled" json:"cache_enabled"`
	CacheTTL     time.Duration   `env:"CACHE_TTL" envDefault:"30s" yaml:"cache_ttl" json:"cache_ttl"`
}
