package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// AuthContext is the single value downstream logic branches on. It is
// one of [EndUser], [Service], or [Unauthenticated]; no other type can
// implement it.
//
//	switch ac := auth.AuthFromContext(ctx).(type) {
//	case auth.EndUser:
//	    // ac.User
//	case auth.Service:
//	    // ac.Identity
//	default:
//	    // unauthenticated
//	}
type AuthContext interface {
	// Kind names the variant for logs and span attributes.
	Kind() string
	authContext()
}

// EndUser is a request made on behalf of a verified user.
type EndUser struct {
	User *UserIdentity
	// Claims is set when the identity came straight from a verified token
	// at the edge, and nil when it was resolved downstream.
	Claims *VerifiedClaims
}

// Service is a request made by a trusted internal peer.
type Service struct {
	Identity *ServiceIdentity
}

// Unauthenticated is a request with no verified identity.
type Unauthenticated struct{}

func (EndUser) Kind() string         { return "end_user" }
func (Service) Kind() string         { return "service" }
func (Unauthenticated) Kind() string { return "unauthenticated" }

func (EndUser) authContext()         {}
func (Service) authContext()         {}
func (Unauthenticated) authContext() {}

type contextKey int

const authKey contextKey = iota

// attachAuth stores ac in ctx. A context carries at most one AuthContext;
// attaching a second is an internal error.
func attachAuth(ctx context.Context, ac AuthContext) (context.Context, error) {
	if _, ok := ctx.Value(authKey).(AuthContext); ok {
		return ctx, sserr.New(sserr.CodeInternal, "auth: request already carries an auth context")
	}
	return context.WithValue(ctx, authKey, ac), nil
}

// AuthFromContext returns the attached AuthContext, or [Unauthenticated]
// when none is attached.
func AuthFromContext(ctx context.Context) AuthContext {
	if ac, ok := ctx.Value(authKey).(AuthContext); ok {
		return ac
	}
	return Unauthenticated{}
}

// OrganizationFromContext returns the organization the request is
// scoped to, if any.
func OrganizationFromContext(ctx context.Context) (string, bool) {
	switch ac := AuthFromContext(ctx).(type) {
	case EndUser:
		return ac.User.OrganizationID()
	case Service:
		return ac.Identity.OrganizationID()
	default:
		return "", false
	}
}

// TraceIDFromContext extracts the OpenTelemetry trace ID from the context.
// Returns the trace ID as a hex string and true if a valid trace is active.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
