// Package jwttest builds signed session tokens and serves key sets for
// tests of the edge verifier and the key set cache.
package jwttest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// Default claim values used by [Claims].
const (
	Issuer    = "https://auth.billing.test"
	Audience  = "https://auth.billing.test"
	SubjectID = "user-1"
	Email     = "ada@billing.test"
	Name      = "Ada Lovelace"
	SessionID = "sess-1"
)

// Key is a signing key pair published under a key id.
type Key struct {
	ID      string
	Alg     string
	Private crypto.Signer
}

// Public returns the public half of the key.
func (k *Key) Public() crypto.PublicKey { return k.Private.Public() }

// JWK returns the public key as a key set entry.
func (k *Key) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: k.Public(), KeyID: k.ID, Algorithm: k.Alg, Use: "sig"}
}

// NewEd25519 generates an EdDSA key.
func NewEd25519(t testing.TB, kid string) *Key {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err, "failed to generate ed25519 key")
	return &Key{ID: kid, Alg: "EdDSA", Private: priv}
}

// NewRSA generates a 2048-bit RS256 key.
func NewRSA(t testing.TB, kid string) *Key {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")
	return &Key{ID: kid, Alg: "RS256", Private: priv}
}

// NewECDSA generates a P-256 ES256 key.
func NewECDSA(t testing.TB, kid string) *Key {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate ECDSA key")
	return &Key{ID: kid, Alg: "ES256", Private: priv}
}

// Claims returns a complete, valid claim set expiring ttl after now.
func Claims(now time.Time, ttl time.Duration) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       Issuer,
		"aud":       Audience,
		"sub":       SubjectID,
		"email":     Email,
		"name":      Name,
		"sessionId": SessionID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
}

// Sign signs claims with k and sets the kid header. An empty k.ID leaves
// the header out.
func Sign(t testing.TB, k *Key, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.GetSigningMethod(k.Alg), claims)
	if k.ID != "" {
		tok.Header["kid"] = k.ID
	}
	s, err := tok.SignedString(k.Private)
	require.NoError(t, err, "failed to sign %s token", k.Alg)
	return s
}

// Server serves a key set document and counts requests.
type Server struct {
	*httptest.Server

	hits atomic.Int64

	mu     sync.Mutex
	status int
	body   []byte
	gate   chan struct{}
}

// NewServer starts a key set server publishing keys. It is closed when
// the test ends.
func NewServer(t testing.TB, keys ...*Key) *Server {
	t.Helper()
	s := &Server{status: http.StatusOK}
	s.SetKeys(t, keys...)
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve(w http.ResponseWriter, _ *http.Request) {
	s.hits.Add(1)
	s.mu.Lock()
	gate, status, body := s.gate, s.status, s.body
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Hits returns the number of requests served so far.
func (s *Server) Hits() int64 { return s.hits.Load() }

// SetKeys replaces the published key set.
func (s *Server) SetKeys(t testing.TB, keys ...*Key) {
	t.Helper()
	set := jose.JSONWebKeySet{}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.JWK())
	}
	body, err := json.Marshal(set)
	require.NoError(t, err, "failed to marshal key set")
	s.SetBody(http.StatusOK, body)
}

// SetBody replaces the raw response.
func (s *Server) SetBody(status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.body = body
}

// Hold makes every request block until the returned release func is
// called.
func (s *Server) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}
