package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/StricklySoft/billing-trust/internal/testutil"
	"github.com/StricklySoft/billing-trust/internal/testutil/jwttest"
	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, srv *jwttest.Server, mutate ...func(*Config)) (*Cache, *fakeClock) {
	t.Helper()
	cfg := Config{URL: srv.URL, TTL: time.Hour, NegativeTTL: 30 * time.Second, FetchTimeout: 2 * time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	clk := newFakeClock()
	c.now = clk.Now
	return c, clk
}

func TestNew_RequiresURL(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	c, err := New(Config{URL: "http://auth.invalid/api/auth/jwks"})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, c.cfg.TTL)
	assert.Equal(t, 30*time.Second, c.cfg.NegativeTTL)
	assert.Equal(t, 5*time.Second, c.cfg.FetchTimeout)
	assert.Equal(t, 5*time.Second, c.cfg.MinRefreshInterval)
	assert.Equal(t, 1000, c.cfg.NegativeMaxEntries)

	c, err = New(Config{URL: "http://auth.invalid/api/auth/jwks", MinRefreshInterval: -1})
	require.NoError(t, err)
	assert.Zero(t, c.cfg.MinRefreshInterval)
}

func TestDiscoveryURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "http://auth:3000/api/auth/jwks", DiscoveryURL("http://auth:3000"))
	assert.Equal(t, "http://auth:3000/api/auth/jwks", DiscoveryURL("http://auth:3000/"))
}

func TestResolve_HitWithinTTL(t *testing.T) {
	t.Parallel()
	k1 := jwttest.NewEd25519(t, "k1")
	srv := jwttest.NewServer(t, k1)
	c, clk := newTestCache(t, srv)

	key, err := c.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", key.KeyID)
	assert.Equal(t, "EdDSA", key.Algorithm)
	assert.Equal(t, k1.Public(), key.PublicKey)

	clk.Advance(59 * time.Minute)
	again, err := c.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Same(t, key, again)
	assert.Equal(t, int64(1), srv.Hits())
}

func TestResolve_RefetchAfterTTL(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	c, clk := newTestCache(t, srv)

	_, err := c.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = c.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.Hits())
}

func TestResolve_RotationReplacesSet(t *testing.T) {
	t.Parallel()
	k1 := jwttest.NewEd25519(t, "k1")
	k2 := jwttest.NewRSA(t, "k2")
	srv := jwttest.NewServer(t, k1)
	c, clk := newTestCache(t, srv)

	_, err := c.Resolve(context.Background(), "k1")
	require.NoError(t, err)

	srv.SetKeys(t, k2)
	clk.Advance(5 * time.Second)
	key, err := c.Resolve(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, "RS256", key.Algorithm)

	_, err = c.Resolve(context.Background(), "k1")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int64(2), srv.Hits())
	assert.Equal(t, 1, c.Stats().Keys)
}

func TestResolve_UnknownKeyIDsWithinRefreshInterval(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	c, clk := newTestCache(t, srv)

	_, err := c.Resolve(context.Background(), "k1")
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		_, err := c.Resolve(context.Background(), fmt.Sprintf("forged-%d", i))
		testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	}
	assert.Equal(t, int64(1), srv.Hits(), "distinct unknown key ids must not each trigger a fetch")

	clk.Advance(5 * time.Second)
	_, err = c.Resolve(context.Background(), "forged-next")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	assert.Equal(t, int64(2), srv.Hits())

	_, err = c.Resolve(context.Background(), "forged-after")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	assert.Equal(t, int64(2), srv.Hits())
}

func TestResolve_RefreshIntervalDisabled(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	c, _ := newTestCache(t, srv, func(cfg *Config) { cfg.MinRefreshInterval = -1 })

	_, err := c.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), "other")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	assert.Equal(t, int64(2), srv.Hits())
}

func TestResolve_NegativeEntriesBounded(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	c, _ := newTestCache(t, srv, func(cfg *Config) { cfg.NegativeMaxEntries = 8 })

	for i := 0; i < 20; i++ {
		_, err := c.Resolve(context.Background(), fmt.Sprintf("ghost-%d", i))
		testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	}
	assert.Equal(t, 8, c.Stats().NegativeKeys)
	assert.Equal(t, int64(1), srv.Hits())

	// The most recent entries survive eviction.
	_, err := c.Resolve(context.Background(), "ghost-19")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	assert.Equal(t, int64(1), srv.Hits())
}

func TestResolve_NegativeCache(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	c, clk := newTestCache(t, srv)

	_, err := c.Resolve(context.Background(), "ghost")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)

	clk.Advance(29 * time.Second)
	_, err = c.Resolve(context.Background(), "ghost")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	assert.Equal(t, int64(1), srv.Hits(), "absent key id must not refetch within the negative TTL")

	clk.Advance(time.Second)
	_, err = c.Resolve(context.Background(), "ghost")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	assert.Equal(t, int64(2), srv.Hits())
}

func TestResolve_NegativeEntryClearedWhenKeyAppears(t *testing.T) {
	t.Parallel()
	k1 := jwttest.NewEd25519(t, "k1")
	k2 := jwttest.NewEd25519(t, "k2")
	srv := jwttest.NewServer(t, k1)
	c, clk := newTestCache(t, srv)

	_, err := c.Resolve(context.Background(), "k2")
	require.Error(t, err)

	srv.SetKeys(t, k1, k2)
	clk.Advance(31 * time.Second)
	key, err := c.Resolve(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, "k2", key.KeyID)
	assert.Zero(t, c.Stats().NegativeKeys)
}

func TestResolve_FetchFailureNotCached(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	srv.SetBody(http.StatusBadGateway, []byte("upstream down"))
	c, _ := newTestCache(t, srv)

	_, err := c.Resolve(context.Background(), "k1")
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
	assert.True(t, sserr.IsRetryable(err))

	_, err = c.Resolve(context.Background(), "k1")
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
	assert.Equal(t, int64(2), srv.Hits())

	srv.SetKeys(t, jwttest.NewEd25519(t, "k1"))
	_, err = c.Resolve(context.Background(), "k1")
	require.NoError(t, err)

	st := c.Stats()
	assert.Equal(t, int64(3), st.Fetches)
	assert.Equal(t, int64(2), st.FetchFailures)
	assert.Equal(t, 1, st.Keys)
}

func TestResolve_InvalidDocuments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("<html>")},
		{"oversized", []byte(`{"keys":[],"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := jwttest.NewServer(t)
			srv.SetBody(http.StatusOK, tt.body)
			c, _ := newTestCache(t, srv)
			_, err := c.Resolve(context.Background(), "k1")
			testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
		})
	}
}

func TestResolve_TransportFailure(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t)
	url := srv.URL
	srv.Close()

	c, err := New(Config{URL: url})
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), "k1")
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
}

func TestResolve_SkipsUnusableEntries(t *testing.T) {
	t.Parallel()
	good := jwttest.NewECDSA(t, "good")
	enc := jwttest.NewRSA(t, "enc")
	priv := jwttest.NewEd25519(t, "private")

	encJWK := enc.JWK()
	encJWK.Use = "enc"
	noAlg := jwttest.NewEd25519(t, "no-alg").JWK()
	noAlg.Algorithm = ""

	var raws []json.RawMessage
	for _, k := range []jose.JSONWebKey{
		good.JWK(),
		encJWK,
		{Key: priv.Private, KeyID: "private", Use: "sig"},
		noAlg,
	} {
		b, err := json.Marshal(k)
		require.NoError(t, err)
		raws = append(raws, b)
	}
	raws = append(raws,
		json.RawMessage(`{"kty":"RSA","kid":"broken","n":"!!","e":"AQAB"}`),
		json.RawMessage(`{"kty":"oct","kid":"hmac","k":"c2VjcmV0"}`),
	)
	body, err := json.Marshal(map[string]any{"keys": raws})
	require.NoError(t, err)

	srv := jwttest.NewServer(t)
	srv.SetBody(http.StatusOK, body)
	c, _ := newTestCache(t, srv)

	key, err := c.Resolve(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "ES256", key.Algorithm)

	key, err = c.Resolve(context.Background(), "no-alg")
	require.NoError(t, err)
	assert.Empty(t, key.Algorithm)

	for _, kid := range []string{"enc", "private", "broken", "hmac"} {
		_, err := c.Resolve(context.Background(), kid)
		testutil.AssertErrorCode(t, err, sserr.CodeNotFoundKey, kid)
	}
}

func TestResolve_ConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	release := srv.Hold()
	defer release()
	c, _ := newTestCache(t, srv)

	const waiters = 25
	keys := make([]*SigningKey, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = c.Resolve(context.Background(), "k1")
		}(i)
	}

	require.Eventually(t, func() bool { return srv.Hits() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, int64(1), srv.Hits())
	for i := range keys {
		require.NoError(t, errs[i])
		assert.Same(t, keys[0], keys[i])
	}
}

func TestResolve_ConcurrentUnknownKeyIDShareOneFetch(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	release := srv.Hold()
	defer release()
	c, clk := newTestCache(t, srv)

	const waiters = 25
	resolveAll := func() []error {
		errs := make([]error, waiters)
		var wg sync.WaitGroup
		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = c.Resolve(context.Background(), "ghost")
			}(i)
		}
		require.Eventually(t, func() bool { return srv.Hits() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		release()
		wg.Wait()
		return errs
	}

	for _, err := range resolveAll() {
		testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
	assert.Equal(t, int64(1), srv.Hits())

	clk.Advance(20 * time.Second)
	for _, err := range resolveAll() {
		testutil.RequireErrorCode(t, err, sserr.CodeNotFoundKey)
	}
	assert.Equal(t, int64(1), srv.Hits(), "second batch within the negative TTL must not refetch")
	assert.Equal(t, 1, c.Stats().NegativeKeys)
}

func TestResolve_WaiterCancellationDoesNotAbortFetch(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	release := srv.Hold()
	defer release()
	c, _ := newTestCache(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "k1")
		canceled <- err
	}()
	require.Eventually(t, func() bool { return srv.Hits() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		key *SigningKey
		err error
	}
	patient := make(chan result, 1)
	go func() {
		k, err := c.Resolve(context.Background(), "k1")
		patient <- result{k, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-canceled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled waiter did not return")
	}

	release()
	res := <-patient
	require.NoError(t, res.err)
	assert.Equal(t, "k1", res.key.KeyID)
	assert.Equal(t, int64(1), srv.Hits())
}

func TestResolve_FetchTimeout(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"))
	release := srv.Hold()
	defer release()
	c, _ := newTestCache(t, srv, func(cfg *Config) {
		cfg.FetchTimeout = 50 * time.Millisecond
		cfg.HTTPClient = &http.Client{}
	})

	_, err := c.Resolve(context.Background(), "k1")
	testutil.RequireErrorCode(t, err, sserr.CodeTimeoutDependency)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPrefetch(t *testing.T) {
	t.Parallel()
	srv := jwttest.NewServer(t, jwttest.NewEd25519(t, "k1"), jwttest.NewEd25519(t, "k2"))
	c, _ := newTestCache(t, srv)

	require.NoError(t, c.Prefetch(context.Background()))
	assert.Equal(t, 2, c.Stats().Keys)
	assert.Zero(t, c.Stats().NegativeKeys)

	_, err := c.Resolve(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.Hits())
}

func TestResolve_RecordsFetchSpan(t *testing.T) {
	t.Parallel()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	srv := jwttest.NewServer(t)
	srv.SetBody(http.StatusInternalServerError, nil)
	c, _ := newTestCache(t, srv)
	c.tracer = tp.Tracer(tracerName)

	_, err := c.Resolve(context.Background(), "k1")
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "jwks.Fetch", spans[0].Name)
	assert.Equal(t, "Error", spans[0].Status.Code.String())
}
