package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seawatch/subscriptions/internal/model"
)

const (
	authKeyPrefix      = "auth:ctx:"
	authIndexKeyPrefix = "auth:key:"

	// AuthContextTTL bounds how long a revoked key can keep working if the
	// explicit invalidation is lost.
	AuthContextTTL = 5 * time.Minute
)

func authKey(fingerprint string) string { return authKeyPrefix + fingerprint }

func authIndexKey(keyID string) string { return authIndexKeyPrefix + keyID }

type cachedCaller struct {
	KeyID         string   `json:"key_id"`
	KeyPrefix     string   `json:"key_prefix"`
	UserID        string   `json:"user_id"`
	Scopes        []string `json:"scopes"`
	RateLimitTier string   `json:"rate_limit_tier"`
}

// GetAuthContext returns the caller cached under an API key fingerprint.
// A miss or an unreadable entry yields (nil, nil) and the caller falls back
// to Argon2 verification.
func (c *Cache) GetAuthContext(ctx context.Context, fingerprint string) (*model.AuthContext, error) {
	var cached cachedCaller
	err := c.getJSON(ctx, authKey(fingerprint), &cached)
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.AuthContext{
		KeyID:         cached.KeyID,
		KeyPrefix:     cached.KeyPrefix,
		UserID:        cached.UserID,
		Scopes:        cached.Scopes,
		RateLimitTier: cached.RateLimitTier,
	}, nil
}

// SetAuthContext caches caller under fingerprint and records the fingerprint
// against the key ID so InvalidateKey can find it.
func (c *Cache) SetAuthContext(ctx context.Context, fingerprint string, caller *model.AuthContext) error {
	if err := c.setJSON(ctx, authKey(fingerprint), cachedCaller{
		KeyID:         caller.KeyID,
		KeyPrefix:     caller.KeyPrefix,
		UserID:        caller.UserID,
		Scopes:        caller.Scopes,
		RateLimitTier: caller.RateLimitTier,
	}, AuthContextTTL); err != nil {
		return err
	}

	idx := authIndexKey(caller.KeyID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, idx, fingerprint)
		pipe.Expire(ctx, idx, AuthContextTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index auth context: %w", err)
	}
	return nil
}

// InvalidateKey drops every cached caller for keyID. Called on revoke and
// rotate.
func (c *Cache) InvalidateKey(ctx context.Context, keyID string) error {
	idx := authIndexKey(keyID)
	fingerprints, err := c.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("read auth index: %w", err)
	}

	keys := make([]string, 0, len(fingerprints)+1)
	for _, fp := range fingerprints {
		keys = append(keys, authKey(fp))
	}
	keys = append(keys, idx)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("drop auth contexts: %w", err)
	}
	return nil
}
