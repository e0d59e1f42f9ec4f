package auth

import (
	"net/http"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// RequireOrganization returns the organization ac is scoped to. For an
// [EndUser] it is the session's active organization; for a [Service] it
// is the explicit scope the caller passed. There is no fallback to "all
// organizations": absence is CodeValidationOrganization.
func RequireOrganization(ac AuthContext) (string, error) {
	var (
		org string
		ok  bool
	)
	switch ac := ac.(type) {
	case EndUser:
		org, ok = ac.User.OrganizationID()
	case Service:
		org, ok = ac.Identity.OrganizationID()
	default:
		return "", sserr.New(sserr.CodeAuthentication, "auth: organization scope requires an authenticated request")
	}
	if !ok {
		return "", sserr.New(sserr.CodeValidationOrganization, "auth: request has no organization scope")
	}
	return org, nil
}

// RequireOrganizationMiddleware rejects requests without an organization
// scope with 400. It must run after [Resolver.Middleware].
func RequireOrganizationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := RequireOrganization(AuthFromContext(r.Context())); err != nil {
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
