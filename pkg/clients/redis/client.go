// Package redis is the traced Redis client used as a read-through cache in
// front of the identity store.
//
// The client exposes only the string commands the cache needs. Tests wrap
// any [Cmdable] with [NewFromClient].
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

const tracerName = "github.com/StricklySoft/billing-trust/pkg/clients/redis"

// Cmdable is the subset of [*redis.Client] the cache uses.
type Cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ Cmdable = (*redis.Client)(nil)

// Client is safe for concurrent use.
type Client struct {
	cmdable Cmdable
	tracer  trace.Tracer
	dbIndex int
}

// NewClient validates cfg, connects, and pings the server.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: invalid configuration")
	}

	var opts *redis.Options
	if cfg.URI != "" {
		var err error
		if opts, err = redis.ParseURL(cfg.URI); err != nil {
			return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: failed to parse connection URI")
		}
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password.Value(),
			DB:       cfg.DB,
		}
		if cfg.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "redis: failed to connect to server")
	}

	return &Client{cmdable: rdb, tracer: otel.Tracer(tracerName), dbIndex: opts.DB}, nil
}

// NewFromClient wraps an existing client. cfg may be nil.
func NewFromClient(cmdable Cmdable, cfg *Config) *Client {
	c := &Client{cmdable: cmdable, tracer: otel.Tracer(tracerName)}
	if cfg != nil {
		c.dbIndex = cfg.DB
	}
	return c
}

// Get returns the value at key. A missing key is CodeNotFound wrapping
// [redis.Nil].
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, span := c.startSpan(ctx, "Get", "GET "+key)
	val, err := c.cmdable.Get(ctx, key).Result()
	finishSpan(span, err)
	if errors.Is(err, redis.Nil) {
		return "", sserr.Wrap(err, sserr.CodeNotFound, "redis: key not found")
	}
	if err != nil {
		return "", wrapError(err, "redis: get failed")
	}
	return val, nil
}

// Set stores value at key with the given time to live.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	ctx, span := c.startSpan(ctx, "Set", fmt.Sprintf("SET %s EX %v", key, ttl))
	err := c.cmdable.Set(ctx, key, value, ttl).Err()
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "redis: set failed")
	}
	return nil
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	ctx, span := c.startSpan(ctx, "Del", "DEL "+strings.Join(keys, " "))
	n, err := c.cmdable.Del(ctx, keys...).Result()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: del failed")
	}
	return n, nil
}

// Health pings the server, bounded by [DefaultHealthTimeout] when ctx has
// no deadline.
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	ctx, span := c.startSpan(ctx, "Health", "PING")
	err := c.cmdable.Ping(ctx).Err()
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "redis: health check failed")
	}
	return nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.cmdable.Close()
}

func (c *Client) startSpan(ctx context.Context, op, statement string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "redis."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.Int("db.redis.database_index", c.dbIndex),
			attribute.String("db.statement", truncateStatement(statement)),
		),
	)
}

// finishSpan treats a cache miss as success.
func finishSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func wrapError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalCache, message)
}
