package auth

import (
	"crypto/sha256"
	"crypto/subtle"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// SecretGuard authenticates internal peers by a shared secret. It proves
// that the caller is trusted, not which tenant it acts for.
type SecretGuard struct {
	digest [sha256.Size]byte
}

// NewSecretGuard returns a guard for secret, which must not be empty.
func NewSecretGuard(secret Secret) (*SecretGuard, error) {
	if secret.Value() == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: internal secret must not be empty")
	}
	return &SecretGuard{digest: sha256.Sum256([]byte(secret.Value()))}, nil
}

// Check compares provided with the configured secret in constant time.
// Both sides are hashed first so the comparison time does not depend on
// the length of either value.
func (g *SecretGuard) Check(provided string) (*ServiceIdentity, error) {
	got := sha256.Sum256([]byte(provided))
	if provided == "" || subtle.ConstantTimeCompare(got[:], g.digest[:]) != 1 {
		return nil, sserr.New(sserr.CodeAuthenticationSecret, "auth: internal secret mismatch")
	}
	return &ServiceIdentity{caller: ServiceCaller}, nil
}
