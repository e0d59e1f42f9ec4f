package postgres

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// maxStatementLen bounds db.statement span attributes.
const maxStatementLen = 100

// Defaults for the identity store database.
const (
	DefaultHost                 = "postgres"
	DefaultPort                 = 5432
	DefaultDatabase             = "billing"
	DefaultUser                 = "billing"
	DefaultMaxConns       int32 = 10
	DefaultMinConns       int32 = 1
	DefaultConnectTimeout       = 5 * time.Second
	DefaultQueryTimeout         = 2 * time.Second
	DefaultHealthTimeout        = 5 * time.Second
)

// SSLMode is a libpq sslmode value.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// Valid reports whether m is a supported mode.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeDisable, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	}
	return false
}

// Secret redacts the database password when printed or serialized.
type Secret string

func (s Secret) String() string               { return "[REDACTED]" }
func (s Secret) GoString() string             { return "[REDACTED]" }
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the raw password.
func (s Secret) Value() string { return string(s) }

// Config holds connection settings. When URI is set it wins over the
// discrete fields.
type Config struct {
	URI      string  `env:"URI" yaml:"uri" json:"uri,omitempty"`
	Host     string  `env:"HOST" envDefault:"postgres" yaml:"host" json:"host"`
	Port     int     `env:"PORT" envDefault:"5432" yaml:"port" json:"port"`
	Database string  `env:"DATABASE" envDefault:"billing" yaml:"database" json:"database"`
	User     string  `env:"USER" envDefault:"billing" yaml:"user" json:"user"`
	Password Secret  `env:"PASSWORD" yaml:"-" json:"-"`
	SSLMode  SSLMode `env:"SSLMODE" envDefault:"require" yaml:"ssl_mode" json:"ssl_mode"`

	MaxConns       int32         `env:"MAX_CONNS" envDefault:"10" yaml:"max_conns" json:"max_conns"`
	MinConns       int32         `env:"MIN_CONNS" envDefault:"1" yaml:"min_conns" json:"min_conns"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s" yaml:"connect_timeout" json:"connect_timeout"`

	// QueryTimeout bounds every lookup that arrives without a deadline.
	QueryTimeout time.Duration `env:"QUERY_TIMEOUT" envDefault:"2s" yaml:"query_timeout" json:"query_timeout"`
}

// Validate fills zero values with defaults and checks the result.
func (c *Config) Validate() error {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("postgres: max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("postgres: uri is invalid: %w", err)
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fmt.Errorf("postgres: uri scheme %q is not postgres", u.Scheme)
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
		return fmt.Errorf("postgres: port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return errors.New("postgres: database must not be empty")
	}
	if c.User == "" {
		return errors.New("postgres: user must not be empty")
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLModeRequire
	}
	if !c.SSLMode.Valid() {
		return fmt.Errorf("postgres: ssl_mode %q is not valid", c.SSLMode)
	}
	return nil
}

// ConnectionString returns a postgres:// URL for pgx.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password.Value()),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	q.Set("sslmode", string(c.SSLMode))
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// databaseName is used for span attributes.
func (c *Config) databaseName() string {
	if c.URI != "" {
		if u, err := url.Parse(c.URI); err == nil && len(u.Path) > 1 {
			return u.Path[1:]
		}
	}
	return c.Database
}

func truncateSQL(sql string) string {
	if len(sql) <= maxStatementLen {
		return sql
	}
	return sql[:maxStatementLen] + "..."
}
