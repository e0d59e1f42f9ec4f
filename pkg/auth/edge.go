package auth

import (
	"log/slog"
	"net/http"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// EdgeAuthenticator turns a bearer token into trusted identity headers at
// the public entry point. Each request moves through extract, verify,
// map, and forward; any failure rejects it with a 401 and it is not
// forwarded.
type EdgeAuthenticator struct {
	verifier     TokenVerifier
	issuer       string
	audience     string
	secretHeader string
	logger       *slog.Logger
}

// NewEdgeAuthenticator returns an authenticator verifying tokens with
// verifier against cfg's issuer and audience. A nil logger uses
// slog.Default().
func NewEdgeAuthenticator(cfg EdgeConfig, verifier TokenVerifier, logger *slog.Logger) (*EdgeAuthenticator, error) {
	if verifier == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: edge requires a token verifier")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: edge requires an issuer and an audience")
	}
	if logger == nil {
		logger = slog.Default()
	}
	header := cfg.InternalSecretHeader
	if header == "" {
		header = HeaderInternalSecret
	}
	return &EdgeAuthenticator{
		verifier:     verifier,
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		secretHeader: header,
		logger:       logger,
	}, nil
}

// Authenticate strips client-supplied identity headers from r, verifies
// its bearer token, and on success writes the trusted headers into
// r.Header in place.
func (e *EdgeAuthenticator) Authenticate(r *http.Request) (*VerifiedClaims, error) {
	StripTrustedHeaders(r.Header)
	r.Header.Del(e.secretHeader)

	token := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
	if token == "" {
		return nil, sserr.New(sserr.CodeAuthenticationMissing, "auth: missing or malformed bearer token")
	}

	claims, err := e.verifier.Verify(r.Context(), token, e.issuer, e.audience)
	if err != nil {
		return nil, err
	}

	ToHeaders(claims).Write(r.Header)
	return claims, nil
}

// Middleware authenticates every request before passing it to next.
//
// The middleware performs the following steps:
//  1. Deletes client-supplied identity headers and the internal secret
//  2. Extracts the bearer token from the Authorization header
//  3. Verifies it against the configured issuer and audience
//  4. Writes the trusted headers from the verified claims
//  5. Attaches an [EndUser] carrying the claims to the request context
//
// Any failure is logged and answered with the rejection from
// [WriteError]; next is not called. A failure caused by the key set being
// unreachable is logged at error level, other rejections at info.
func (e *EdgeAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := e.Authenticate(r)
		if err != nil {
			e.reject(w, r, err)
			return
		}
		ctx, err := attachAuth(r.Context(), EndUser{User: userFromClaims(claims), Claims: claims})
		if err != nil {
			e.reject(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (e *EdgeAuthenticator) reject(w http.ResponseWriter, r *http.Request, err error) {
	attrs := []any{
		"code", sserr.GetCode(err).String(),
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	}
	if outer, ok := sserr.AsError(err); ok && outer.Cause != nil && sserr.IsRetryable(outer.Cause) {
		e.logger.ErrorContext(r.Context(), "auth: key set unavailable, rejecting request", attrs...)
	} else if sserr.IsAuthentication(err) {
		e.logger.InfoContext(r.Context(), "auth: request rejected", attrs...)
	} else {
		e.logger.ErrorContext(r.Context(), "auth: request failed", attrs...)
	}
	StripTrustedHeaders(r.Header)
	WriteError(w, err)
}
