package auth

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/billing-trust/internal/testutil/jwttest"
	"github.com/StricklySoft/billing-trust/pkg/jwks"
)

var testNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

// fixture wires a key set server, a real key cache, and a verifier with
// a fixed clock.
type fixture struct {
	key      *jwttest.Key
	srv      *jwttest.Server
	cache    *jwks.Cache
	verifier *Verifier
}

func newFixture(t *testing.T, mutate ...func(*VerifierConfig)) *fixture {
	t.Helper()
	key := jwttest.NewEd25519(t, "k1")
	srv := jwttest.NewServer(t, key, jwttest.NewRSA(t, "r1"), jwttest.NewECDSA(t, "e1"))
	cache, err := jwks.New(jwks.Config{URL: srv.URL, Logger: discardLogger()})
	require.NoError(t, err)

	cfg := VerifierConfig{Keys: cache, Now: func() time.Time { return testNow }}
	for _, m := range mutate {
		m(&cfg)
	}
	v, err := NewVerifier(cfg)
	require.NoError(t, err)
	return &fixture{key: key, srv: srv, cache: cache, verifier: v}
}

func (f *fixture) claims() jwt.MapClaims {
	return jwttest.Claims(testNow, time.Hour)
}

func (f *fixture) token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return jwttest.Sign(t, f.key, claims)
}

func (f *fixture) verify(token string) (*VerifiedClaims, error) {
	return f.verifier.Verify(context.Background(), token, jwttest.Issuer, jwttest.Audience)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
