package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
	"github.com/StricklySoft/billing-trust/pkg/jwks"
)

const tracerName = "github.com/StricklySoft/billing-trust/pkg/auth"

// DefaultMaxTokenBytes bounds the size of a bearer token.
const DefaultMaxTokenBytes = 8 << 10

// DefaultAlgorithms is the signature allow-list used when none is
// configured.
var DefaultAlgorithms = []string{"EdDSA", "RS256", "ES256"}

// asymmetricAlgorithms are the algorithms a deployment may allow. HMAC
// and "none" are never accepted.
var asymmetricAlgorithms = []string{
	"EdDSA",
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// KeyResolver resolves a signing key by key id. [*jwks.Cache] implements
// it.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (*jwks.SigningKey, error)
}

// TokenVerifier verifies a bearer token against an expected issuer and
// audience.
type TokenVerifier interface {
	Verify(ctx context.Context, token, expectedIssuer, expectedAudience string) (*VerifiedClaims, error)
}

// VerifierConfig configures a [Verifier].
type VerifierConfig struct {
	// Keys resolves signing keys. Required.
	Keys KeyResolver

	// Algorithms is the signature allow-list. Defaults to
	// [DefaultAlgorithms].
	Algorithms []string

	// ExpiryMargin treats a token as expired this long before its exp.
	// Zero means exp must simply be after now; negative values are
	// rejected.
	ExpiryMargin time.Duration

	// MaxTokenBytes defaults to [DefaultMaxTokenBytes].
	MaxTokenBytes int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Verifier verifies session tokens issued by the auth service. It is safe
// for concurrent use.
type Verifier struct {
	keys     KeyResolver
	algs     []string
	margin   time.Duration
	maxBytes int
	now      func() time.Time
	tracer   trace.Tracer
}

var _ TokenVerifier = (*Verifier)(nil)

// NewVerifier validates cfg and returns a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Keys == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: verifier requires a key resolver")
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	for _, alg := range algs {
		if !slices.Contains(asymmetricAlgorithms, alg) {
			return nil, sserr.Newf(sserr.CodeInternalConfiguration,
				"auth: algorithm %q is not an allowed asymmetric signature algorithm", alg)
		}
	}
	if cfg.ExpiryMargin < 0 {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: expiry margin must not be negative")
	}
	maxBytes := cfg.MaxTokenBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTokenBytes
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		keys:     cfg.Keys,
		algs:     slices.Clone(algs),
		margin:   cfg.ExpiryMargin,
		maxBytes: maxBytes,
		now:      now,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// sessionClaims is the claim set the auth service signs.
type sessionClaims struct {
	jwt.RegisteredClaims
	Email                string  `json:"email"`
	Name                 string  `json:"name"`
	SessionID            string  `json:"sessionId"`
	ActiveOrganizationID *string `json:"activeOrganizationId,omitempty"`
}

// Verify checks token and returns its claims. Checks run in this order
// and stop at the first failure:
//
//  1. token present, within size, and well formed
//  2. header alg in the allow-list
//  3. exp not passed (checked before any key fetch)
//  4. kid resolvable in the key set
//  5. signature valid for the resolved key
//  6. exp after now, then iss, then aud, each an exact match
//  7. sub, email, name, and sessionId present
//
// Failures are *sserr.Error with one of CodeAuthenticationMissing,
// CodeAuthenticationSignature, CodeAuthenticationExpired,
// CodeAuthenticationKey, or CodeAuthenticationClaims.
func (v *Verifier) Verify(ctx context.Context, token, expectedIssuer, expectedAudience string) (_ *VerifiedClaims, err error) {
	ctx, span := v.tracer.Start(ctx, "auth.Verify")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("auth.failure", sserr.GetCode(err).String()))
		}
		span.End()
	}()

	if token == "" {
		return nil, sserr.New(sserr.CodeAuthenticationMissing, "auth: token is empty")
	}
	if len(token) > v.maxBytes {
		return nil, sserr.Newf(sserr.CodeAuthenticationMissing, "auth: token exceeds %d bytes", v.maxBytes)
	}

	var unverified sessionClaims
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &unverified)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, sserr.Wrap(err, sserr.CodeAuthenticationSignature, "auth: unsupported signature algorithm")
		}
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationMissing, "auth: token is malformed")
	}

	alg := parsed.Method.Alg()
	span.SetAttributes(attribute.String("auth.alg", alg))
	if alg == "none" || !slices.Contains(v.algs, alg) {
		return nil, sserr.Newf(sserr.CodeAuthenticationSignature, "auth: algorithm %q is not allowed", alg)
	}

	now := v.now()
	if exp := unverified.ExpiresAt; exp != nil && v.expired(exp.Time, now) {
		return nil, sserr.New(sserr.CodeAuthenticationExpired, "auth: token has expired")
	}

	kid, _ := parsed.Header["kid"].(string)
	if kid == "" {
		return nil, sserr.New(sserr.CodeAuthenticationKey, "auth: token has no key id")
	}
	span.SetAttributes(attribute.String("auth.kid", kid))

	key, err := v.keys.Resolve(ctx, kid)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeAuthenticationKey, "auth: cannot resolve key %q", kid)
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, sserr.Newf(sserr.CodeAuthenticationSignature,
			"auth: key %q is for %s, token uses %s", kid, key.Algorithm, alg)
	}

	var claims sessionClaims
	parser := jwt.NewParser(jwt.WithValidMethods(v.algs), jwt.WithoutClaimsValidation())
	_, err = parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return key.PublicKey, nil
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationSignature, "auth: signature verification failed")
	}

	if claims.ExpiresAt == nil {
		return nil, sserr.New(sserr.CodeAuthenticationClaims, "auth: token has no exp claim")
	}
	if v.expired(claims.ExpiresAt.Time, now) {
		return nil, sserr.New(sserr.CodeAuthenticationExpired, "auth: token has expired")
	}
	if claims.Issuer != expectedIssuer {
		return nil, sserr.Newf(sserr.CodeAuthenticationClaims, "auth: unexpected issuer %q", claims.Issuer)
	}
	if !slices.Contains(claims.Audience, expectedAudience) {
		return nil, sserr.Newf(sserr.CodeAuthenticationClaims, "auth: audience %v does not include %q",
			[]string(claims.Audience), expectedAudience)
	}

	for _, c := range [...]struct{ name, val string }{
		{"sub", claims.Subject},
		{"email", claims.Email},
		{"name", claims.Name},
		{"sessionId", claims.SessionID},
	} {
		if err := checkClaimValue(c.name, c.val); err != nil {
			return nil, err
		}
	}
	var org string
	if claims.ActiveOrganizationID != nil {
		org = *claims.ActiveOrganizationID
		if org != "" && hasControl(org) {
			return nil, sserr.New(sserr.CodeAuthenticationClaims, "auth: activeOrganizationId contains control characters")
		}
	}

	vc := &VerifiedClaims{
		subjectID:      claims.Subject,
		email:          claims.Email,
		displayName:    claims.Name,
		sessionID:      claims.SessionID,
		organizationID: org,
		expiresAt:      claims.ExpiresAt.Time,
		issuer:         claims.Issuer,
		audience:       slices.Clone([]string(claims.Audience)),
	}
	if claims.IssuedAt != nil {
		vc.issuedAt = claims.IssuedAt.Time
	}
	return vc, nil
}

func (v *Verifier) expired(exp, now time.Time) bool {
	return !exp.After(now.Add(v.margin))
}

func checkClaimValue(name, val string) error {
	if strings.TrimSpace(val) == "" {
		return sserr.Newf(sserr.CodeAuthenticationClaims, "auth: %s claim is missing", name)
	}
	if hasControl(val) {
		return sserr.Newf(sserr.CodeAuthenticationClaims, "auth: %s claim contains control characters", name)
	}
	return nil
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// VerifiedClaims are the claims of a token that passed every check in
// [Verifier.Verify]. They cannot be constructed outside this package.
type VerifiedClaims struct {
	subjectID      string
	email          string
	displayName    string
	sessionID      string
	organizationID string
	issuedAt       time.Time
	expiresAt      time.Time
	issuer         string
	audience       []string
}

func (c *VerifiedClaims) SubjectID() string   { return c.subjectID }
func (c *VerifiedClaims) Email() string       { return c.email }
func (c *VerifiedClaims) DisplayName() string { return c.displayName }
func (c *VerifiedClaims) SessionID() string   { return c.sessionID }
func (c *VerifiedClaims) Issuer() string      { return c.issuer }

// ActiveOrganizationID returns the session's active organization. An
// empty claim is reported as absent.
func (c *VerifiedClaims) ActiveOrganizationID() (string, bool) {
	return c.organizationID, c.organizationID != ""
}

// IssuedAt is zero when the token carried no iat.
func (c *VerifiedClaims) IssuedAt() time.Time  { return c.issuedAt }
func (c *VerifiedClaims) ExpiresAt() time.Time { return c.expiresAt }

// Audience returns a copy of the token's audience list.
func (c *VerifiedClaims) Audience() []string { return slices.Clone(c.audience) }
