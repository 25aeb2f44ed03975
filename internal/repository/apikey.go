package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/seawatch/subscriptions/internal/model"
)

var ErrAPIKeyNotFound = errors.New("API key not found")

const apiKeyColumns = `id, user_id, key_hash, key_prefix, scopes, rate_limit_tier, name, revoked_at, last_used_at, created_at`

// CreateAPIKey stores a new key. Only the Argon2 hash is persisted.
func (r *Repository) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if err := insertAPIKey(ctx, r.pool, key); err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}
	return nil
}

// GetAPIKeyByID loads a key, revoked or not.
func (r *Repository) GetAPIKeyByID(ctx context.Context, id string) (*model.APIKey, error) {
	key, err := scanAPIKey(r.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}
	return key, nil
}

// GetAPIKeysByPrefix returns the live keys sharing a visible prefix. The auth
// middleware verifies the presented key against each candidate.
func (r *Repository) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error) {
	return r.queryAPIKeys(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE key_prefix = $1 AND revoked_at IS NULL
	`, prefix)
}

// ListAPIKeysByUserID returns every key an operator has issued, newest first.
func (r *Repository) ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error) {
	return r.queryAPIKeys(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
}

// RevokeAPIKey marks a key revoked. Revoking twice yields ErrAPIKeyNotFound.
func (r *Repository) RevokeAPIKey(ctx context.Context, id string) error {
	return revokeAPIKey(ctx, r.pool, id, time.Now())
}

// RotateAPIKey issues next and revokes oldID in one transaction, so a failed
// rotation never leaves the operator without a working key.
func (r *Repository) RotateAPIKey(ctx context.Context, oldID string, next *model.APIKey) (time.Time, error) {
	revokedAt := time.Now()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertAPIKey(ctx, tx, next); err != nil {
			return err
		}
		return revokeAPIKey(ctx, tx, oldID, revokedAt)
	})
	if err != nil {
		if errors.Is(err, ErrAPIKeyNotFound) {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("failed to rotate API key: %w", err)
	}
	return revokedAt, nil
}

// UpdateAPIKeyLastUsed stamps last_used_at after a successful authentication.
func (r *Repository) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, time.Now()); err != nil {
		return fmt.Errorf("failed to update API key last used: %w", err)
	}
	return nil
}

// RehashAPIKey replaces a key hash produced with outdated Argon2 parameters.
func (r *Repository) RehashAPIKey(ctx context.Context, id, hash string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE api_keys SET key_hash = $2 WHERE id = $1 AND revoked_at IS NULL`, id, hash); err != nil {
		return fmt.Errorf("failed to rehash API key: %w", err)
	}
	return nil
}

// pgxExecer is satisfied by both the pool and a transaction.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAPIKey(ctx context.Context, db pgxExecer, key *model.APIKey) error {
	_, err := db.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, scopes, rate_limit_tier, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, key.ID, key.UserID, key.KeyHash, key.KeyPrefix, pq.Array(key.Scopes), key.RateLimitTier, key.Name, key.CreatedAt)
	return err
}

func revokeAPIKey(ctx context.Context, db pgxExecer, id string, at time.Time) error {
	tag, err := db.Exec(ctx, `UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func (r *Repository) queryAPIKeys(ctx context.Context, query string, args ...any) ([]*model.APIKey, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.APIKey, error) {
		return scanAPIKey(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan API keys: %w", err)
	}
	return keys, nil
}

func scanAPIKey(row pgx.Row) (*model.APIKey, error) {
	var key model.APIKey
	err := row.Scan(
		&key.ID,
		&key.UserID,
		&key.KeyHash,
		&key.KeyPrefix,
		pq.Array(&key.Scopes),
		&key.RateLimitTier,
		&key.Name,
		&key.RevokedAt,
		&key.LastUsedAt,
		&key.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &key, nil
}
