package gateway

import (
	"time"

	"github.com/StricklySoft/billing-trust/pkg/auth"
)

// Config is the public gateway. Edge carries token verification and the
// key set.
type Config struct {
	Addr              string        `env:"ADDR" envDefault:":8080" yaml:"addr" json:"addr"`
	Routes            []string      `env:"ROUTES" required:"true" yaml:"routes" json:"routes"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"10s" yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	Edge auth.EdgeConfig `env:"AUTH" yaml:"auth" json:"auth"`
}

// Validate is called by the config loader.
func (c *Config) Validate() error {
	_, err := ParseRoutes(c.Routes)
	return err
}
