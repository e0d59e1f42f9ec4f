// Package jwks caches the signing keys published by the auth service.
//
// A [Cache] holds the public keys of a single key set URL. Keys are served
// from memory while they are younger than [Config.TTL]. A key id that is
// not in memory triggers a fetch of the whole set; concurrent lookups of
// the same key id share one outbound request. A key id that is still
// absent after a successful fetch is remembered as missing for
// [Config.NegativeTTL]. Misses that arrive within
// [Config.MinRefreshInterval] of the last successful fetch are answered
// as missing without fetching, so a stream of tokens carrying distinct
// made-up key ids costs at most one fetch per interval. The negative
// entries live in an LRU bounded by [Config.NegativeMaxEntries].
//
// Fetch failures are never cached: the next lookup fetches again.
package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

// DefaultPath is where the auth service publishes its key set.
const DefaultPath = "/api/auth/jwks"

const (
	tracerName   = "github.com/StricklySoft/billing-trust/pkg/jwks"
	maxBodyBytes = 1 << 20
	prefetchKey  = "\x00prefetch"
)

// ErrKeyNotFound is wrapped by [Cache.Resolve] when the key id is not in
// the published set.
var ErrKeyNotFound = errors.New("jwks: key not found")

// HTTPClient is the subset of [http.Client] used to fetch key sets.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a [Cache].
type Config struct {
	// URL is the full key set URL. See [DiscoveryURL].
	URL string `env:"URL" yaml:"url" json:"url" required:"true"`

	// TTL bounds how long a fetched key is served without refetching.
	TTL time.Duration `env:"TTL" envDefault:"1h" yaml:"ttl" json:"ttl"`

	// NegativeTTL bounds how long a key id known to be absent is rejected
	// without refetching.
	NegativeTTL time.Duration `env:"NEGATIVE_TTL" envDefault:"30s" yaml:"negative_ttl" json:"negative_ttl"`

	// MinRefreshInterval is the least time between a successful fetch and
	// the next fetch caused by an unknown key id. Negative disables it.
	MinRefreshInterval time.Duration `env:"MIN_REFRESH_INTERVAL" envDefault:"5s" yaml:"min_refresh_interval" json:"min_refresh_interval"`

	// NegativeMaxEntries caps the number of key ids remembered as absent.
	NegativeMaxEntries int `env:"NEGATIVE_MAX_ENTRIES" envDefault:"1000" yaml:"negative_max_entries" json:"negative_max_entries"`

	// FetchTimeout bounds a single fetch, independent of any caller.
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"5s" yaml:"fetch_timeout" json:"fetch_timeout"`

	HTTPClient HTTPClient   `yaml:"-" json:"-"`
	Logger     *slog.Logger `yaml:"-" json:"-"`
}

// DiscoveryURL returns the key set URL for an auth service base URL.
func DiscoveryURL(base string) string {
	return strings.TrimRight(base, "/") + DefaultPath
}

// SigningKey is a public key published in the key set.
type SigningKey struct {
	KeyID string
	// Algorithm is the key's declared "alg", or empty when the set does
	// not declare one.
	Algorithm string
	PublicKey crypto.PublicKey
	FetchedAt time.Time
}

// Stats reports fetch activity.
type Stats struct {
	Fetches       int64
	FetchFailures int64
	Keys          int
	NegativeKeys  int
	LastFetch     time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg    Config
	client HTTPClient
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu        sync.RWMutex
	keys      map[string]*SigningKey
	lastFetch time.Time

	// negative maps absent key ids to the time they were found absent.
	negative *lru.Cache[string, time.Time]

	group         singleflight.Group
	fetches       atomic.Int64
	fetchFailures atomic.Int64
}

// New returns a Cache for cfg.URL. Zero durations take their defaults.
func New(cfg Config) (*Cache, error) {
	if cfg.URL == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "jwks: URL is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	switch {
	case cfg.MinRefreshInterval == 0:
		cfg.MinRefreshInterval = 5 * time.Second
	case cfg.MinRefreshInterval < 0:
		cfg.MinRefreshInterval = 0
	}
	if cfg.NegativeMaxEntries <= 0 {
		cfg.NegativeMaxEntries = 1000
	}
	negative, err := lru.New[string, time.Time](cfg.NegativeMaxEntries)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "jwks: invalid negative cache size")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		keys:     make(map[string]*SigningKey),
		negative: negative,
	}, nil
}

// Resolve returns the signing key for kid.
//
// Errors are *sserr.Error: CodeNotFoundKey wrapping [ErrKeyNotFound] when
// the set does not contain kid, CodeUnavailableDependency or
// CodeTimeoutDependency when the set could not be fetched. If ctx ends
// while a fetch is in flight, Resolve returns ctx.Err() and the fetch
// continues for the other waiters.
func (c *Cache) Resolve(ctx context.Context, kid string) (*SigningKey, error) {
	if key, cached, err := c.lookup(kid); cached {
		return key, err
	}

	ch := c.group.DoChan(kid, func() (any, error) {
		// Another flight may have filled the cache since lookup.
		if key, cached, err := c.lookup(kid); cached {
			return key, err
		}
		if c.throttled(kid) {
			return nil, notFound(kid)
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		if err := c.refresh(fetchCtx, kid); err != nil {
			return nil, err
		}
		key, _, err := c.lookup(kid)
		if key == nil && err == nil {
			err = notFound(kid)
		}
		return key, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SigningKey), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetch loads the key set without resolving any key id.
func (c *Cache) Prefetch(ctx context.Context) error {
	_, err, _ := c.group.Do(prefetchKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
		return nil, c.refresh(fetchCtx, "")
	})
	return err
}

// Stats returns a snapshot of fetch counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Fetches:       c.fetches.Load(),
		FetchFailures: c.fetchFailures.Load(),
		Keys:          len(c.keys),
		NegativeKeys:  c.negative.Len(),
		LastFetch:     c.lastFetch,
	}
}

// lookup answers from memory. cached is false when a fetch is needed.
func (c *Cache) lookup(kid string) (key *SigningKey, cached bool, err error) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, hit := c.keys[kid]; hit && now.Sub(key.FetchedAt) < c.cfg.TTL {
		return key, true, nil
	}
	if at, hit := c.negative.Get(kid); hit && now.Sub(at) < c.cfg.NegativeTTL {
		return nil, true, notFound(kid)
	}
	return nil, false, nil
}

// throttled reports whether the last successful fetch is too recent to
// fetch again for kid. A throttled kid is recorded as absent.
func (c *Cache) throttled(kid string) bool {
	now := c.now()
	c.mu.RLock()
	last := c.lastFetch
	c.mu.RUnlock()
	if last.IsZero() || now.Sub(last) >= c.cfg.MinRefreshInterval {
		return false
	}
	c.negative.Add(kid, now)
	c.logger.Debug("jwks: unknown key id within refresh interval", "kid", kid)
	return true
}

func notFound(kid string) error {
	return sserr.Wrapf(ErrKeyNotFound, sserr.CodeNotFoundKey, "jwks: key %q is not in the key set", kid)
}

// refresh fetches the set and replaces every cached key. When kid is not
// empty and absent from the new set it is recorded as missing.
func (c *Cache) refresh(ctx context.Context, kid string) (err error) {
	ctx, span := c.tracer.Start(ctx, "jwks.Fetch",
		trace.WithAttributes(attribute.String("jwks.url", c.cfg.URL)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.fetches.Add(1)
	keys, err := c.fetch(ctx)
	if err != nil {
		c.fetchFailures.Add(1)
		c.logger.WarnContext(ctx, "jwks: key set fetch failed",
			"url", c.cfg.URL, "error", err)
		return err
	}
	span.SetAttributes(attribute.Int("jwks.keys", len(keys)))

	now := c.now()
	fresh := make(map[string]*SigningKey, len(keys))
	for _, k := range keys {
		k.FetchedAt = now
		fresh[k.KeyID] = k
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = fresh
	c.lastFetch = now
	for _, id := range c.negative.Keys() {
		at, ok := c.negative.Peek(id)
		if _, present := fresh[id]; ok && (present || now.Sub(at) >= c.cfg.NegativeTTL) {
			c.negative.Remove(id)
		}
	}
	if _, present := fresh[kid]; kid != "" && !present {
		c.negative.Add(kid, now)
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context) ([]*SigningKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "jwks: invalid key set URL")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fetchError(ctx, err, "jwks: key set request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return nil, sserr.Newf(sserr.CodeUnavailableDependency,
			"jwks: key set endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fetchError(ctx, err, "jwks: failed to read key set")
	}
	if len(body) > maxBodyBytes {
		return nil, sserr.New(sserr.CodeUnavailableDependency, "jwks: key set exceeds 1 MiB")
	}
	return parseSet(body, c.logger)
}

func fetchError(ctx context.Context, err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, msg)
	}
	return sserr.Wrap(err, sserr.CodeUnavailableDependency, msg)
}

// parseSet decodes a key set document. Entries that are malformed,
// private, unnamed, or not for signing are skipped.
func parseSet(body []byte, logger *slog.Logger) ([]*SigningKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "jwks: key set is not valid JSON")
	}

	keys := make([]*SigningKey, 0, len(doc.Keys))
	for i, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			logger.Warn("jwks: skipping malformed key", "index", i, "error", err)
			continue
		}
		if jwk.KeyID == "" || !jwk.IsPublic() || !jwk.Valid() {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		keys = append(keys, &SigningKey{
			KeyID:     jwk.KeyID,
			Algorithm: jwk.Algorithm,
			PublicKey: jwk.Key,
		})
	}
	return keys, nil
}

func (k *SigningKey) String() string {
	return fmt.Sprintf("jwks key %s (%s)", k.KeyID, k.Algorithm)
}
