package auth

import (
	"net/http"
	"strings"
)

// Trusted identity headers. Only the [EdgeAuthenticator] sets them, and
// only from verified claims.
const (
	HeaderUserID         = "x-user-id"
	HeaderUserEmail      = "x-user-email"
	HeaderUserName       = "x-user-name"
	HeaderSessionID      = "x-session-id"
	HeaderOrganizationID = "x-organization-id"
)

const (
	// HeaderInternalSecret carries the shared secret on service-to-service
	// calls. Deployments may rename it through configuration.
	HeaderInternalSecret = "x-internal-secret"

	// HeaderAuthorization carries the bearer token at the edge.
	HeaderAuthorization = "authorization"

	bearerScheme = "bearer"
)

// TrustedHeaderNames lists every trusted identity header.
var TrustedHeaderNames = []string{
	HeaderUserID,
	HeaderUserEmail,
	HeaderUserName,
	HeaderSessionID,
	HeaderOrganizationID,
}

// TrustedHeaders is the propagated form of [VerifiedClaims].
type TrustedHeaders struct {
	UserID    string
	UserEmail string
	UserName  string
	SessionID string
	// OrganizationID is empty when the session has no active organization;
	// the header is then omitted rather than sent empty.
	OrganizationID string
}

// ToHeaders maps verified claims to trusted headers. It has no failure
// path.
func ToHeaders(c *VerifiedClaims) TrustedHeaders {
	h := TrustedHeaders{
		UserID:    c.SubjectID(),
		UserEmail: c.Email(),
		UserName:  c.DisplayName(),
		SessionID: c.SessionID(),
	}
	if org, ok := c.ActiveOrganizationID(); ok {
		h.OrganizationID = org
	}
	return h
}

// Write sets the headers on dst, replacing any existing values. It does
// not remove headers that have no value here; call [StripTrustedHeaders]
// first.
func (t TrustedHeaders) Write(dst http.Header) {
	dst.Set(HeaderUserID, t.UserID)
	dst.Set(HeaderUserEmail, t.UserEmail)
	dst.Set(HeaderUserName, t.UserName)
	dst.Set(HeaderSessionID, t.SessionID)
	if t.OrganizationID != "" {
		dst.Set(HeaderOrganizationID, t.OrganizationID)
	}
}

// StripTrustedHeaders removes every trusted identity header from h.
func StripTrustedHeaders(h http.Header) {
	for _, name := range TrustedHeaderNames {
		h.Del(name)
	}
}

// ExtractBearerToken extracts the token from an "Authorization: Bearer
// <token>" value. The scheme is case-insensitive; anything else, including
// an empty token or a token containing whitespace, yields "".
func ExtractBearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return ""
	}
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return ""
	}
	return token
}
