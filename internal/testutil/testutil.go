// Package testutil holds assertions shared by the billing-trust tests.
//
// Most rejections in this module are *sserr.Error values whose code
// decides the HTTP status and the public message, so tests assert on the
// code rather than on error text. See jwttest for signing keys, tokens,
// and a key set server.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// RequireErrorCode stops the test unless err is an *sserr.Error with code.
//
//	_, err := verifier.Verify(ctx, token, issuer, audience)
//	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationExpired)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	ssErr, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// AssertErrorCode is RequireErrorCode without stopping, for tables of
// rejected tokens or route entries where every row should be reported.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	ssErr, ok := sserr.AsError(err)
	if !assert.True(t, ok, "expected *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// TempConfigFile writes a config file named "config"+ext into a test
// temp dir and returns its path. The loader picks the format from ext.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write %s", path)
	return path
}

// SetEnv sets key for the rest of the test. Tests that call it must not
// run in parallel with tests reading the same variable.
func SetEnv(t testing.TB, key, value string) {
	t.Helper()
	prev, existed := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value), "failed to set %s", key)
	t.Cleanup(func() {
		if existed {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

// AssertJSONNotContains fails if the JSON encoding of v contains secret.
// Config structs holding an internal secret must never leak it.
func AssertJSONNotContains(t testing.TB, v any, secret string) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "json.Marshal failed")
	assert.NotContains(t, string(data), secret, "secret leaked into JSON: %s", data)
}
