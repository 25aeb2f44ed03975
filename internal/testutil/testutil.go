// Package testutil holds the plumbing shared by integration tests: env
// gating, a serialized fresh schema per test, and fixtures.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/seawatch/subscriptions/internal/db"
)

// RequireEnv skips the test unless key is set, and in -short mode.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

// Packages run in parallel against one database; every test that resets the
// schema holds this session lock for its whole run.
const schemaLockID int64 = 0x5ea_a7c4

// AcquireDBLock blocks until the schema lock is held on a dedicated
// connection. The returned func releases it.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", schemaLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("take schema lock: %w", err)
	}
	return func() error {
		defer conn.Release()
		_, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", schemaLockID)
		return err
	}, nil
}

// ResetSchema migrates down to zero and back up.
func ResetSchema(databaseURL string) error {
	if err := db.Reset(databaseURL); err != nil {
		return fmt.Errorf("reset schema: %w", err)
	}
	return nil
}

// NewPool returns a pool on DATABASE_URL over a freshly migrated schema,
// holding the schema lock until the test ends.
func NewPool(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	dbURL := RequireEnv(t, "DATABASE_URL")

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(pool.Close)

	unlock, err := AcquireDBLock(ctx, pool)
	if err != nil {
		t.Fatalf("lock schema: %v", err)
	}
	t.Cleanup(func() {
		if err := unlock(); err != nil {
			t.Errorf("unlock schema: %v", err)
		}
	})

	if err := ResetSchema(dbURL); err != nil {
		t.Fatalf("%v", err)
	}
	return ctx, pool
}

// NewSQLDB is NewPool for code on database/sql.
func NewSQLDB(t *testing.T) (context.Context, *sql.DB) {
	t.Helper()
	ctx, _ := NewPool(t)

	sqlDB, err := sql.Open("postgres", os.Getenv("DATABASE_URL"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := sqlDB.PingContext(ctx); err != nil {
		t.Fatalf("ping db: %v", err)
	}
	return ctx, sqlDB
}

func FlushRedis(ctx context.Context, client *redis.Client) error {
	return client.FlushDB(ctx).Err()
}
