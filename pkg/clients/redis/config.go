package redis

import (
	"fmt"
	"net/url"
	"time"
)

const maxStatementLen = 100

const (
	DefaultHost          = "redis"
	DefaultPort          = 6379
	DefaultPoolSize      = 10
	DefaultDialTimeout   = 2 * time.Second
	DefaultReadTimeout   = 500 * time.Millisecond
	DefaultWriteTimeout  = 500 * time.Millisecond
	DefaultHealthTimeout = 5 * time.Second
)

// Secret redacts the Redis password when printed or serialized.
type Secret string

func (s Secret) String() string               { return "[REDACTED]" }
func (s Secret) GoString() string             { return "[REDACTED]" }
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the raw password.
func (s Secret) Value() string { return string(s) }

// Config holds connection settings. URI wins over Host and Port. Timeouts
// are short since the cache sits on the request path and a slow cache is
// bypassed, not waited on.
type Config struct {
	URI          string        `env:"URI" yaml:"uri" json:"uri,omitempty"`
	Host         string        `env:"HOST" envDefault:"redis" yaml:"host" json:"host"`
	Port         int           `env:"PORT" envDefault:"6379" yaml:"port" json:"port"`
	DB           int           `env:"DB" yaml:"db" json:"db"`
	Password     Secret        `env:"PASSWORD" yaml:"-" json:"-"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10" yaml:"pool_size" json:"pool_size"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"2s" yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"500ms" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"500ms" yaml:"write_timeout" json:"write_timeout"`
	TLSEnabled   bool          `env:"TLS_ENABLED" yaml:"tls_enabled" json:"tls_enabled"`
}

// Validate fills zero values with defaults and checks the result.
func (c *Config) Validate() error {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("redis: pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("redis: timeouts must not be negative")
	}

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("redis: uri is invalid: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis: uri scheme must be redis or rediss, got %q", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("redis: port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DB < 0 || c.DB > 15 {
		return fmt.Errorf("redis: db must be between 0 and 15, got %d", c.DB)
	}
	return nil
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func truncateStatement(s string) string {
	if len(s) <= maxStatementLen {
		return s
	}
	return s[:maxStatementLen] + "..."
}
