package auth

import (
	"encoding/json"
	"net/http"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// Public messages. Shared-secret failures reuse MessageUnauthorized so a
// caller cannot tell them apart from any other 401.
const (
	MessageTokenMissing     = "token missing"
	MessageInvalidToken     = "invalid token"
	MessageInvalidSignature = "invalid signature"
	MessageTokenExpired     = "token expired"
	MessageInvalidClaims    = "invalid claims"
	MessageUnauthorized     = "unauthorized"
	MessageUserNotFound     = "user not found"
	MessageOrganization     = "organization id required"
	MessageInternal         = "internal error"
	MessageUnavailable      = "service unavailable"
)

var publicMessages = map[sserr.Code]string{
	sserr.CodeAuthenticationMissing:      MessageTokenMissing,
	sserr.CodeAuthenticationKey:          MessageInvalidToken,
	sserr.CodeAuthenticationSignature:    MessageInvalidSignature,
	sserr.CodeAuthenticationExpired:      MessageTokenExpired,
	sserr.CodeAuthenticationClaims:       MessageInvalidClaims,
	sserr.CodeAuthenticationUserNotFound: MessageUserNotFound,
	sserr.CodeValidationOrganization:     MessageOrganization,
}

// ErrorBody is the JSON body of every rejection.
type ErrorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PublicMessage returns the fixed client-facing message for err. It never
// includes err's text.
func PublicMessage(err error) string {
	code := sserr.GetCode(err)
	if msg, ok := publicMessages[code]; ok {
		return msg
	}
	switch code.Category() {
	case "AUTH":
		return MessageUnauthorized
	case "UNAVAIL", "TIMEOUT":
		return MessageUnavailable
	default:
		return MessageInternal
	}
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	if e, ok := sserr.AsError(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// WriteError writes the rejection for err.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(err))
	_ = json.NewEncoder(w).Encode(ErrorBody{Success: false, Message: PublicMessage(err)})
}
