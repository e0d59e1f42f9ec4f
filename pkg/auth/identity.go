// Package auth converts an incoming request into a verified identity that
// business logic can trust without authenticating again.
//
// Edge:
//
// The public gateway runs an [EdgeAuthenticator]. It deletes any identity
// headers the client sent, verifies the bearer token with a [Verifier]
// against the key set cached by package jwks, and writes the trusted
// headers (x-user-id, x-user-email, x-user-name, x-session-id and, when the
// session has one, x-organization-id) from the verified claims.
//
// Downstream:
//
// Internal services run a [Resolver] as HTTP middleware or as gRPC
// interceptors. It derives exactly one [AuthContext] per request:
//   - EndUser: from the trusted headers, after confirming the user exists
//   - Service: from the internal shared secret, compared in constant time
//   - EndUser: from a raw session token, when a session store is wired
//
// A request that matches none of these is rejected with a 401.
//
// Security:
//
// Trusted headers carry authority only because the edge rewrites them on
// every request. An internal service must not be reachable except through
// the edge or by callers holding the internal secret. Rejections carry a
// fixed public message from [PublicMessage] and never the internal error
// text.
package auth

// ServiceCaller is the caller name of every [ServiceIdentity].
const ServiceCaller = "internal"

// UserIdentity is an end user acting through a verified session.
type UserIdentity struct {
	id             string
	email          string
	displayName    string
	sessionID      string
	organizationID string
}

// ID returns the user's subject id.
func (u *UserIdentity) ID() string { return u.id }

// Email returns the user's email address.
func (u *UserIdentity) Email() string { return u.email }

// DisplayName returns the user's display name.
func (u *UserIdentity) DisplayName() string { return u.displayName }

// SessionID returns the id of the session the request belongs to.
func (u *UserIdentity) SessionID() string { return u.sessionID }

// OrganizationID returns the session's active organization, if any.
func (u *UserIdentity) OrganizationID() (string, bool) {
	return u.organizationID, u.organizationID != ""
}

// ServiceIdentity is a trusted internal peer authenticated by the shared
// secret. The secret says nothing about tenancy, so the organization is
// only set when the caller passed an explicit scope.
type ServiceIdentity struct {
	caller         string
	organizationID string
}

// Caller returns [ServiceCaller].
func (s *ServiceIdentity) Caller() string { return s.caller }

// OrganizationID returns the explicit scope, if the caller supplied one.
func (s *ServiceIdentity) OrganizationID() (string, bool) {
	return s.organizationID, s.organizationID != ""
}

// WithOrganization returns a copy scoped to organizationID.
func (s *ServiceIdentity) WithOrganization(organizationID string) *ServiceIdentity {
	cp := *s
	cp.organizationID = organizationID
	return &cp
}

func userFromClaims(c *VerifiedClaims) *UserIdentity {
	org, _ := c.ActiveOrganizationID()
	return &UserIdentity{
		id:             c.SubjectID(),
		email:          c.Email(),
		displayName:    c.DisplayName(),
		sessionID:      c.SessionID(),
		organizationID: org,
	}
}
