// Package errors provides the structured error type shared by every
// billing-trust component. Each error carries a stable, machine-readable
// code; the code's category decides the HTTP status and, for
// authentication failures, the code itself is the failure kind that the
// edge and internal services turn into a fixed client-facing message.
//
// # Error Codes
//
// Codes follow the pattern CATEGORY_XXX:
//
//	VAL_xxx     - request validation (400)
//	AUTH_xxx    - authentication failures (401)
//	NF_xxx      - lookups that found nothing (404)
//	INT_xxx     - internal failures (500)
//	UNAVAIL_xxx - unavailable dependencies (503)
//	TIMEOUT_xxx - dependency timeouts (504)
//
// # Usage
//
//	err := errors.New(errors.CodeAuthenticationClaims, "auth: issuer mismatch")
//
//	if errors.HasCode(err, errors.CodeAuthenticationExpired) {
//	    // token expired
//	}
//
// Messages on [Error] are for logs. They are never written to clients;
// HTTP writers map the code to a public message instead.
package errors
