// Package postgres is the traced PostgreSQL client behind the identity
// store.
//
// Create a client with [NewClient], or wrap a pgxmock pool with
// [NewFromPool] in tests:
//
//	mock, _ := pgxmock.NewPool()
//	client := postgres.NewFromPool(mock, &postgres.Config{Database: "billing"})
//
// Every call opens a client span named postgres.<Operation> with
// db.system, db.name, and a truncated db.statement.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

const tracerName = "github.com/StricklySoft/billing-trust/pkg/clients/postgres"

// Pool is the subset of [*pgxpool.Pool] the client uses. pgxmock pools
// satisfy it.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Client is safe for concurrent use.
type Client struct {
	pool         Pool
	tracer       trace.Tracer
	databaseName string
	queryTimeout time.Duration
}

// NewClient validates cfg, opens a pool, and pings the database.
//
// Error codes: CodeValidation for bad configuration,
// CodeUnavailableDependency when the database cannot be reached.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "postgres: invalid configuration")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "postgres: failed to parse connection string")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "postgres: failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "postgres: failed to connect to database")
	}
	return NewFromPool(pool, &cfg), nil
}

// NewFromPool wraps an existing pool. cfg may be nil.
func NewFromPool(pool Pool, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Client{
		pool:         pool,
		tracer:       otel.Tracer(tracerName),
		databaseName: cfg.databaseName(),
		queryTimeout: cfg.QueryTimeout,
	}
}

// ScanOne runs sql, which must return at most one row, and scans it into
// dest. The span covers the scan, so row errors are recorded too.
//
// A missing row is CodeNotFound wrapping [pgx.ErrNoRows]; a deadline or
// cancellation is CodeTimeoutDatabase; anything else is
// CodeInternalDatabase.
func (c *Client) ScanOne(ctx context.Context, sql string, args []any, dest ...any) (err error) {
	ctx, cancel := c.withQueryTimeout(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "ScanOne", sql)
	defer func() { finishSpan(span, err) }()

	err = c.pool.QueryRow(ctx, sql, args...).Scan(dest...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return sserr.Wrap(err, sserr.CodeNotFound, "postgres: no rows")
	default:
		return wrapError(err, "postgres: query failed")
	}
}

// Exec runs a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := c.withQueryTimeout(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "Exec", sql)

	tag, err := c.pool.Exec(ctx, sql, args...)
	finishSpan(span, err)
	if err != nil {
		return tag, wrapError(err, "postgres: exec failed")
	}
	return tag, nil
}

// Health pings the database, bounded by [DefaultHealthTimeout] when ctx
// has no deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", "SELECT 1")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	err := c.pool.Ping(ctx)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "postgres: health check failed")
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if c.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.queryTimeout)
}

func (c *Client) startSpan(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "postgres."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.name", c.databaseName),
			attribute.String("db.statement", truncateSQL(sql)),
		),
	)
}

func finishSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError distinguishes timeouts from other database failures so
// callers can use [sserr.IsRetryable].
func wrapError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
