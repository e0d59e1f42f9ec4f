package auth

import (
	"time"

	"github.com/StricklySoft/billing-trust/pkg/jwks"
)

// EdgeConfig configures the public edge. Load it with the config
// package; every required field missing is a startup failure.
type EdgeConfig struct {
	JWKS jwks.Config `env:"JWKS" yaml:"jwks" json:"jwks"`

	// Issuer and Audience are matched exactly against iss and aud.
	Issuer   string `env:"ISSUER" yaml:"issuer" json:"issuer" required:"true"`
	Audience string `env:"AUDIENCE" yaml:"audience" json:"audience" required:"true"`

	Algorithms   []string      `env:"ALGORITHMS" envDefault:"EdDSA,RS256,ES256" yaml:"algorithms" json:"algorithms"`
	ExpiryMargin time.Duration `env:"EXPIRY_MARGIN" yaml:"expiry_margin" json:"expiry_margin"`

	// InternalSecretHeader is stripped from every inbound request so that
	// public clients cannot reach the service-to-service channel.
	InternalSecretHeader string `env:"INTERNAL_SECRET_HEADER" envDefault:"x-internal-secret" yaml:"internal_secret_header" json:"internal_secret_header"`
}

// VerifierConfig returns the verifier settings for keys.
func (c EdgeConfig) VerifierConfig(keys KeyResolver) VerifierConfig {
	return VerifierConfig{
		Keys:         keys,
		Algorithms:   c.Algorithms,
		ExpiryMargin: c.ExpiryMargin,
	}
}

// ResolverConfig configures the downstream [Resolver].
type ResolverConfig struct {
	InternalSecret       Secret `env:"INTERNAL_SECRET" yaml:"-" json:"-" required:"true"`
	InternalSecretHeader string `env:"INTERNAL_SECRET_HEADER" envDefault:"x-internal-secret" yaml:"internal_secret_header" json:"internal_secret_header"`

	// SessionCookie names the cookie carrying a raw session token.
	SessionCookie string `env:"SESSION_COOKIE" envDefault:"billing.session_token" yaml:"session_cookie" json:"session_cookie"`

	// ScopeParam names the query parameter internal callers use to pass an
	// explicit organization scope.
	ScopeParam string `env:"SCOPE_PARAM" envDefault:"organizationId" yaml:"scope_param" json:"scope_param"`
}
