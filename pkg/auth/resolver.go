package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// UserRecord is a user as stored by the identity store.
type UserRecord struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SessionRecord is a session as stored by the identity store.
type SessionRecord struct {
	ID                   string
	UserID               string
	ExpiresAt            time.Time
	ActiveOrganizationID string
}

// UserStore looks users up by id. A missing user is reported as an
// *sserr.Error with a NotFound code.
type UserStore interface {
	UserByID(ctx context.Context, id string) (*UserRecord, error)
}

// SessionStore looks sessions up by their opaque token. A missing session
// is reported as an *sserr.Error with a NotFound code.
type SessionStore interface {
	SessionByToken(ctx context.Context, token string) (*SessionRecord, error)
}

// Credentials are the identity-bearing inputs of one downstream request,
// lifted out of the transport.
type Credentials struct {
	// Trusted headers, as written by the edge.
	UserID         string
	SessionID      string
	OrganizationID string

	InternalSecret string

	// Scope is an explicit organization passed by an internal caller. It
	// only applies to [Service] identities.
	Scope string

	SessionToken string
}

// CredentialsFromRequest reads credentials from r using the names in cfg.
// Scope comes from the cfg.ScopeParam query parameter only, never from a
// header.
func CredentialsFromRequest(r *http.Request, cfg ResolverConfig) Credentials {
	c := Credentials{
		UserID:         r.Header.Get(HeaderUserID),
		SessionID:      r.Header.Get(HeaderSessionID),
		OrganizationID: r.Header.Get(HeaderOrganizationID),
		InternalSecret: r.Header.Get(cfg.InternalSecretHeader),
		Scope:          r.URL.Query().Get(cfg.ScopeParam),
	}
	if cookie, err := r.Cookie(cfg.SessionCookie); err == nil {
		c.SessionToken = cookie.Value
	}
	return c
}

// Resolver derives exactly one [AuthContext] for a request inside an
// internal service. Sources are tried in order: trusted headers, the
// internal secret, then a raw session token.
//
// Trusted headers are only meaningful when the service is reachable
// solely through the edge. The resolver still confirms the user exists
// and fails closed when it does not.
type Resolver struct {
	cfg      ResolverConfig
	guard    *SecretGuard
	users    UserStore
	sessions SessionStore
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewResolver returns a Resolver. sessions may be nil to disable the
// session token path.
func NewResolver(cfg ResolverConfig, users UserStore, sessions SessionStore, logger *slog.Logger) (*Resolver, error) {
	if users == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: resolver requires a user store")
	}
	guard, err := NewSecretGuard(cfg.InternalSecret)
	if err != nil {
		return nil, err
	}
	if cfg.InternalSecretHeader == "" {
		cfg.InternalSecretHeader = HeaderInternalSecret
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "billing.session_token"
	}
	if cfg.ScopeParam == "" {
		cfg.ScopeParam = "organizationId"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:      cfg,
		guard:    guard,
		users:    users,
		sessions: sessions,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}, nil
}

// Resolve selects the AuthContext for c. The first source present wins:
//  1. UserID set: the user is looked up and an [EndUser] is built from
//     the trusted headers; an unknown user fails with
//     CodeAuthenticationUserNotFound
//  2. InternalSecret set: the secret is checked and a [Service] is
//     returned, scoped to c.Scope when it is not empty
//  3. SessionToken set and a session store wired: the session must exist
//     and be unexpired, and its user must exist
//
// A present source that fails does not fall through to the next one.
// With no source, Resolve returns [Unauthenticated] together with a
// CodeAuthentication error.
func (r *Resolver) Resolve(ctx context.Context, c Credentials) (_ AuthContext, err error) {
	ctx, span := r.tracer.Start(ctx, "auth.Resolve")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var ac AuthContext
	switch {
	case c.UserID != "":
		ac, err = r.fromTrustedHeaders(ctx, c)
	case c.InternalSecret != "":
		ac, err = r.fromSecret(c)
	case c.SessionToken != "" && r.sessions != nil:
		ac, err = r.fromSession(ctx, c.SessionToken)
	default:
		ac, err = Unauthenticated{}, sserr.New(sserr.CodeAuthentication, "auth: no credentials presented")
	}
	if err != nil {
		return Unauthenticated{}, err
	}
	span.SetAttributes(attribute.String("auth.kind", ac.Kind()))
	return ac, nil
}

func (r *Resolver) fromTrustedHeaders(ctx context.Context, c Credentials) (AuthContext, error) {
	user, err := r.lookupUser(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	return EndUser{User: &UserIdentity{
		id:             user.ID,
		email:          user.Email,
		displayName:    user.Name,
		sessionID:      c.SessionID,
		organizationID: c.OrganizationID,
	}}, nil
}

func (r *Resolver) fromSecret(c Credentials) (AuthContext, error) {
	id, err := r.guard.Check(c.InternalSecret)
	if err != nil {
		return nil, err
	}
	if c.Scope != "" {
		id = id.WithOrganization(c.Scope)
	}
	return Service{Identity: id}, nil
}

func (r *Resolver) fromSession(ctx context.Context, token string) (AuthContext, error) {
	sess, err := r.sessions.SessionByToken(ctx, token)
	if err != nil {
		if sserr.IsNotFound(err) {
			return nil, sserr.Wrap(err, sserr.CodeAuthentication, "auth: unknown session")
		}
		return nil, err
	}
	if !sess.ExpiresAt.After(r.now()) {
		return nil, sserr.New(sserr.CodeAuthentication, "auth: session has expired")
	}
	user, err := r.lookupUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return EndUser{User: &UserIdentity{
		id:             user.ID,
		email:          user.Email,
		displayName:    user.Name,
		sessionID:      sess.ID,
		organizationID: sess.ActiveOrganizationID,
	}}, nil
}

func (r *Resolver) lookupUser(ctx context.Context, id string) (*UserRecord, error) {
	user, err := r.users.UserByID(ctx, id)
	if err != nil {
		if sserr.IsNotFound(err) {
			return nil, sserr.Wrapf(err, sserr.CodeAuthenticationUserNotFound, "auth: user %q not found", id)
		}
		return nil, err
	}
	return user, nil
}

// Middleware resolves every request before passing it to next.
//
// The middleware performs the following steps:
//  1. Reads [Credentials] with [CredentialsFromRequest]
//  2. Resolves them with [Resolver.Resolve]
//  3. Attaches the [EndUser] or [Service] to the request context
//
// A rejected request is answered with [WriteError] and next is not
// called. Authentication failures are logged at info, store failures at
// error.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ac, err := r.Resolve(req.Context(), CredentialsFromRequest(req, r.cfg))
		if err == nil {
			var ctx context.Context
			ctx, err = attachAuth(req.Context(), ac)
			if err == nil {
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}
		}
		if sserr.IsAuthentication(err) {
			r.logger.InfoContext(req.Context(), "auth: request rejected",
				"code", sserr.GetCode(err).String(), "path", req.URL.Path, "error", err)
		} else {
			r.logger.ErrorContext(req.Context(), "auth: identity resolution failed",
				"path", req.URL.Path, "error", err)
		}
		WriteError(w, err)
	})
}
