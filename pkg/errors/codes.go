package errors

// Code is a machine-readable error code of the form CATEGORY_XXX.
// Codes are stable once assigned.
type Code string

const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required value is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a value has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationOrganization indicates a tenant-scoped route was
	// reached without a resolvable organization id.
	CodeValidationOrganization Code = "VAL_004"

	// CodeAuthentication indicates the caller presented no usable
	// credential.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the token's exp has passed.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid indicates a credential that is invalid for
	// a reason not covered by a more specific code.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthenticationMissing indicates a missing or malformed bearer
	// token.
	CodeAuthenticationMissing Code = "AUTH_004"

	// CodeAuthenticationKey indicates the token's signing key could not be
	// resolved, either because the key id is unknown or because the key
	// set could not be fetched.
	CodeAuthenticationKey Code = "AUTH_005"

	// CodeAuthenticationSignature indicates the token's signature or
	// algorithm was rejected.
	CodeAuthenticationSignature Code = "AUTH_006"

	// CodeAuthenticationClaims indicates an issuer, audience, or required
	// claim mismatch.
	CodeAuthenticationClaims Code = "AUTH_007"

	// CodeAuthenticationSecret indicates an internal shared secret did not
	// match.
	CodeAuthenticationSecret Code = "AUTH_008"

	// CodeAuthenticationUserNotFound indicates trusted identity headers
	// named a user that does not exist in the local store.
	CodeAuthenticationUserNotFound Code = "AUTH_009"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundUser indicates the requested user does not exist.
	CodeNotFoundUser Code = "NF_002"

	// CodeNotFoundSession indicates the requested session does not exist.
	CodeNotFoundSession Code = "NF_003"

	// CodeNotFoundKey indicates a key id is absent from the remote key set.
	CodeNotFoundKey Code = "NF_004"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeInternalCache indicates a cache operation failed.
	CodeInternalCache Code = "INT_004"

	// CodeUnavailable indicates a general unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependency (key discovery
	// endpoint, database, cache) is unreachable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeTimeout indicates a general timeout.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a database operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates a call to a dependency timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the code (e.g. "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
