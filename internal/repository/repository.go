// Package repository is the PostgreSQL store of operators, API keys,
// subscriptions and triggers.
package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidCursor = errors.New("invalid pagination cursor")

// Repository wraps a pgx pool. Methods are grouped per table in this package.
type Repository struct {
	pool *pgxpool.Pool
}

type options struct {
	maxConns, minConns int32
	connectWait        time.Duration
}

// Option tunes New.
type Option func(*options)

// WithPoolSize bounds the pool. Non-positive values keep the defaults.
func WithPoolSize(maxConns, minConns int) Option {
	return func(o *options) {
		if maxConns > 0 {
			o.maxConns = int32(maxConns)
		}
		if minConns > 0 {
			o.minConns = int32(min(minConns, maxConns))
		}
	}
}

// WithConnectWait keeps retrying the first ping for up to d, for databases
// that start alongside the service.
func WithConnectWait(d time.Duration) Option {
	return func(o *options) { o.connectWait = d }
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Repository, error) {
	o := options{maxConns: 10, minConns: 2}
	for _, opt := range opts {
		opt(&o)
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	config.MaxConns = o.maxConns
	config.MinConns = min(o.minConns, o.maxConns)
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	ping := func() error { return pool.Ping(ctx) }
	if o.connectWait > 0 {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = o.connectWait
		err = backoff.Retry(ping, backoff.WithContext(b, ctx))
	} else {
		err = ping()
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *Repository) Close() { r.pool.Close() }

// Pool exposes the pool for pool metrics.
func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

// PaginationCursor is the keyset position of a list page: the last row's
// creation time, ties broken by ID.
type PaginationCursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

func encodeCursor(c *PaginationCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*PaginationCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c PaginationCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" || c.CreatedAt.IsZero() {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}

// isUniqueViolation matches SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// maxErrorLen bounds stored error messages, in bytes.
const maxErrorLen = 500

// truncateError cuts msg to at most n bytes on a rune boundary. Invalid
// UTF-8 is dropped since Postgres rejects it.
func truncateError(msg string, n int) string {
	if len(msg) > n {
		msg = msg[:n]
	}
	return strings.ToValidUTF8(msg, "")
}
