//go:build integration

// Package containers starts throwaway PostgreSQL and Redis instances for
// integration tests. Everything here carries the "integration" build tag:
//
//	go test -tags=integration ./...
//
// Both helpers register cleanup on t, so callers never terminate
// containers themselves:
//
//	pg := containers.StartPostgres(t)
//	cfg := postgres.Config{URI: pg.ConnString}
package containers

import (
	"context"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const (
	PostgresImage    = "docker.io/postgres:16-alpine"
	PostgresDatabase = "billing_test"
	PostgresUser     = "billing"
	PostgresPassword = "billing"

	RedisImage = "docker.io/redis:7-alpine"
)

// PostgresResult is a running PostgreSQL container.
type PostgresResult struct {
	Container *tcpostgres.PostgresContainer
	// ConnString has sslmode=disable; containers listen without TLS.
	ConnString string
}

// StartPostgres starts PostgreSQL and fails the test if it cannot.
func StartPostgres(t *testing.T) *PostgresResult {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		PostgresImage,
		tcpostgres.WithDatabase(PostgresDatabase),
		tcpostgres.WithUsername(PostgresUser),
		tcpostgres.WithPassword(PostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("containers: failed to start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("containers: failed to terminate postgres: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("containers: failed to get postgres connection string: %v", err)
	}
	return &PostgresResult{Container: container, ConnString: connStr}
}

// RedisResult is a running Redis container.
type RedisResult struct {
	Container *tcredis.RedisContainer
	// ConnString is a redis:// URL.
	ConnString string
}

// StartRedis starts Redis without authentication.
func StartRedis(t *testing.T) *RedisResult {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, RedisImage)
	if err != nil {
		t.Fatalf("containers: failed to start redis: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("containers: failed to terminate redis: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("containers: failed to get redis connection string: %v", err)
	}
	return &RedisResult{Container: container, ConnString: connStr}
}
