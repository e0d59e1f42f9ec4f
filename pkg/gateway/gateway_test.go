package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/billing-trust/internal/testutil"
	"github.com/StricklySoft/billing-trust/internal/testutil/jwttest"
	"github.com/StricklySoft/billing-trust/pkg/auth"
	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
	"github.com/StricklySoft/billing-trust/pkg/jwks"
)

// upstreamRecorder is a service behind the gateway.
type upstreamRecorder struct {
	*httptest.Server
	mu     sync.Mutex
	header http.Header
	path   string
	calls  int
}

func newUpstream(t *testing.T) *upstreamRecorder {
	t.Helper()
	u := &upstreamRecorder{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.header = r.Header.Clone()
		u.path = r.URL.Path
		u.calls++
		u.mu.Unlock()
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstreamRecorder) seen() (http.Header, string, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.header, u.path, u.calls
}

type harness struct {
	key     *jwttest.Key
	gateway *Gateway
	invoice *upstreamRecorder
	web     *upstreamRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	key := jwttest.NewEd25519(t, "k1")
	srv := jwttest.NewServer(t, key)
	cache, err := jwks.New(jwks.Config{URL: srv.URL, Logger: logger})
	require.NoError(t, err)

	edgeCfg := auth.EdgeConfig{Issuer: jwttest.Issuer, Audience: jwttest.Audience}
	verifier, err := auth.NewVerifier(edgeCfg.VerifierConfig(cache))
	require.NoError(t, err)
	edge, err := auth.NewEdgeAuthenticator(edgeCfg, verifier, logger)
	require.NoError(t, err)

	invoice, web := newUpstream(t), newUpstream(t)
	routes, err := ParseRoutes([]string{"/invoices=" + invoice.URL, "/=" + web.URL})
	require.NoError(t, err)

	g, err := New(routes, edge, logger)
	require.NoError(t, err)
	return &harness{key: key, gateway: g, invoice: invoice, web: web}
}

func (h *harness) token(t *testing.T) string {
	return jwttest.Sign(t, h.key, jwttest.Claims(time.Now(), time.Hour))
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.gateway.ServeHTTP(rr, req)
	return rr
}

func TestNew_Config(t *testing.T) {
	routes := []Route{{Prefix: "/", Target: &url.URL{Scheme: "http", Host: "web"}}}

	_, err := New(routes, nil, nil)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)

	_, err = New(nil, passThrough{}, nil)
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)

	g, err := New(routes, passThrough{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, g.logger)
}

type passThrough struct{}

func (passThrough) Middleware(next http.Handler) http.Handler { return next }

func TestGateway_ForwardsWithTrustedHeaders(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/invoices/42?x=1", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t))
	req.Header.Set(auth.HeaderUserID, "forged")
	req.Header.Set(auth.HeaderOrganizationID, "forged-org")

	rr := h.do(req)
	assert.Equal(t, http.StatusTeapot, rr.Code)

	header, path, calls := h.invoice.seen()
	require.Equal(t, 1, calls)
	assert.Equal(t, "/invoices/42", path)
	assert.Equal(t, jwttest.SubjectID, header.Get(auth.HeaderUserID))
	assert.Equal(t, jwttest.Email, header.Get(auth.HeaderUserEmail))
	assert.Equal(t, jwttest.SessionID, header.Get(auth.HeaderSessionID))
	assert.Empty(t, header.Values(auth.HeaderOrganizationID))
	assert.NotEmpty(t, header.Get("X-Forwarded-For"))

	_, _, webCalls := h.web.seen()
	assert.Zero(t, webCalls)
}

func TestGateway_ConnectionHeaderCannotDropTrustedHeaders(t *testing.T) {
	h := newHarness(t)

	claims := jwttest.Claims(time.Now(), time.Hour)
	claims["activeOrganizationId"] = "org-42"
	req := httptest.NewRequest(http.MethodGet, "/invoices/stats", nil)
	req.Header.Set("Authorization", "Bearer "+jwttest.Sign(t, h.key, claims))
	req.Header.Set("Connection", "x-user-id, x-organization-id, x-session-id")

	assert.Equal(t, http.StatusTeapot, h.do(req).Code)

	header, _, calls := h.invoice.seen()
	require.Equal(t, 1, calls)
	assert.Equal(t, jwttest.SubjectID, header.Get(auth.HeaderUserID))
	assert.Equal(t, "org-42", header.Get(auth.HeaderOrganizationID))
	assert.Equal(t, jwttest.SessionID, header.Get(auth.HeaderSessionID))
	assert.Equal(t, jwttest.Email, header.Get(auth.HeaderUserEmail))
}

func TestGateway_NoIdentityWithoutVerifiedClaims(t *testing.T) {
	up := newUpstream(t)
	routes, err := ParseRoutes([]string{"/=" + up.URL})
	require.NoError(t, err)
	g, err := New(routes, passThrough{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(auth.HeaderUserID, "forged")
	req.Header.Set(auth.HeaderOrganizationID, "forged-org")
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTeapot, rr.Code)

	header, _, _ := up.seen()
	for _, name := range auth.TrustedHeaderNames {
		assert.Empty(t, header.Values(name), name)
	}
}

func TestGateway_LongestPrefixWins(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t))
	assert.Equal(t, http.StatusTeapot, h.do(req).Code)

	_, path, calls := h.web.seen()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "/dashboard", path)
}

func TestGateway_RejectsWithoutToken(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/invoices/42", nil)
	req.Header.Set(auth.HeaderUserID, "forged")
	rr := h.do(req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	var body auth.ErrorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, auth.MessageTokenMissing, body.Message)

	_, _, calls := h.invoice.seen()
	assert.Zero(t, calls)
}

func TestGateway_HealthIsPublic(t *testing.T) {
	h := newHarness(t)
	rr := h.do(httptest.NewRequest(http.MethodGet, HealthPath, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestGateway_UnknownRoute(t *testing.T) {
	g, err := New([]Route{{Prefix: "/invoices", Target: &url.URL{Scheme: "http", Host: "invoices"}}}, passThrough{}, nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGateway_UpstreamDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	target, err := url.Parse(dead.URL)
	require.NoError(t, err)
	dead.Close()

	g, err := New([]Route{{Prefix: "/", Target: target}}, passThrough{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), auth.MessageUnavailable)
}

func TestGateway_RequestID(t *testing.T) {
	h := newHarness(t)

	rr := h.do(httptest.NewRequest(http.MethodGet, HealthPath, nil))
	minted := rr.Header().Get(HeaderRequestID)
	_, err := uuid.Parse(minted)
	require.NoError(t, err)

	keep := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, HealthPath, nil)
	req.Header.Set(HeaderRequestID, keep)
	assert.Equal(t, keep, h.do(req).Header().Get(HeaderRequestID))

	req = httptest.NewRequest(http.MethodGet, HealthPath, nil)
	req.Header.Set(HeaderRequestID, "<script>")
	assert.NotEqual(t, "<script>", h.do(req).Header().Get(HeaderRequestID))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv := NewServer(Config{Addr: "127.0.0.1:0", ReadHeaderTimeout: time.Second}, http.NotFoundHandler())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, time.Second, slog.New(slog.DiscardHandler)) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
