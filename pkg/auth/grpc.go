package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// OrganizationScoped is implemented by request messages that carry an
// explicit organization scope, such as generated protobuf messages with
// an organization_id field.
type OrganizationScoped interface {
	GetOrganizationId() string
}

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// resolves the caller's identity from incoming metadata.
//
// The interceptor performs the following steps:
//  1. Reads the trusted identity keys and the internal secret from the
//     metadata, using the same names as the HTTP headers
//  2. Takes an internal caller's scope from the request message when it
//     implements [OrganizationScoped]
//  3. Resolves the credentials with [Resolver.Resolve]
//  4. Stores the resulting [AuthContext] in the handler's context
//
// A failure at any step returns the status from [GRPCStatus] and the
// handler is not called. Session tokens are not read from metadata.
func (r *Resolver) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		creds := r.credentialsFromMetadata(ctx)
		if scoped, ok := req.(OrganizationScoped); ok {
			creds.Scope = scoped.GetOrganizationId()
		}
		ctx, err := r.resolveGRPC(ctx, creds, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a gRPC stream server interceptor that
// performs the same steps as [Resolver.UnaryServerInterceptor] and wraps
// the stream so that its Context carries the identity. Streams have no
// request message, so a service caller is never scoped.
func (r *Resolver) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := r.resolveGRPC(ss.Context(), r.credentialsFromMetadata(ss.Context()), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (r *Resolver) resolveGRPC(ctx context.Context, creds Credentials, method string) (context.Context, error) {
	ac, err := r.Resolve(ctx, creds)
	if err == nil {
		var attached context.Context
		if attached, err = attachAuth(ctx, ac); err == nil {
			return attached, nil
		}
	}
	r.logger.InfoContext(ctx, "auth: grpc call rejected",
		"method", method, "code", sserr.GetCode(err).String(), "error", err)
	return ctx, GRPCStatus(err)
}

func (r *Resolver) credentialsFromMetadata(ctx context.Context) Credentials {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	return Credentials{
		UserID:         get(HeaderUserID),
		SessionID:      get(HeaderSessionID),
		OrganizationID: get(HeaderOrganizationID),
		InternalSecret: get(strings.ToLower(r.cfg.InternalSecretHeader)),
	}
}

// GRPCStatus converts err into a gRPC status carrying the public message.
func GRPCStatus(err error) error {
	var code codes.Code
	switch sserr.GetCode(err).Category() {
	case "AUTH":
		code = codes.Unauthenticated
	case "VAL":
		code = codes.InvalidArgument
	case "NF":
		code = codes.NotFound
	case "UNAVAIL":
		code = codes.Unavailable
	case "TIMEOUT":
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, PublicMessage(err))
}

// wrappedServerStream overrides Context to carry the resolved identity.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
