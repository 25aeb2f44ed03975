package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seawatch/subscriptions/internal/model"
)

// Cache key prefixes and TTLs.
const (
	candidatesKeyPrefix = "candidates:"
	assetGroupKeyPrefix = "asset_group:"

	// DefaultCandidatesTTL bounds how long candidate lists are served from cache.
	DefaultCandidatesTTL = time.Minute

	// DefaultAssetGroupTTL is the TTL for resolved group membership.
	DefaultAssetGroupTTL = 10 * time.Minute
)

// Common cache errors.
var (
	ErrCacheMiss = errors.New("cache miss")
)

func candidatesKey(tt model.TriggerType) string {
	return candidatesKeyPrefix + string(tt)
}

func assetGroupKey(groupGUID string) string {
	return assetGroupKeyPrefix + groupGUID
}

// GetCandidates returns the cached active subscriptions for a trigger type.
// Returns ErrCacheMiss if not found.
func (c *Cache) GetCandidates(ctx context.Context, tt model.TriggerType) ([]model.Subscription, error) {
	var subs []model.Subscription
	if err := c.getJSON(ctx, candidatesKey(tt), &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// SetCandidates caches the active subscriptions for a trigger type.
func (c *Cache) SetCandidates(ctx context.Context, tt model.TriggerType, subs []model.Subscription, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCandidatesTTL
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	return c.setJSON(ctx, candidatesKey(tt), subs, ttl)
}

// InvalidateCandidates drops every cached candidate list.
// Called whenever a subscription is written.
func (c *Cache) InvalidateCandidates(ctx context.Context) error {
	keys := make([]string, 0, len(model.ValidTriggerTypes))
	for _, tt := range model.ValidTriggerTypes {
		keys = append(keys, candidatesKey(tt))
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate candidates: %w", err)
	}
	return nil
}

// GetAssetGroup returns cached group members.
// Returns ErrCacheMiss if not found.
func (c *Cache) GetAssetGroup(ctx context.Context, groupGUID string) ([]model.Asset, error) {
	var assets []model.Asset
	if err := c.getJSON(ctx, assetGroupKey(groupGUID), &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// SetAssetGroup caches group members.
func (c *Cache) SetAssetGroup(ctx context.Context, groupGUID string, assets []model.Asset, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultAssetGroupTTL
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	return c.setJSON(ctx, assetGroupKey(groupGUID), assets, ttl)
}

// DeleteAssetGroup forgets cached membership of a group.
func (c *Cache) DeleteAssetGroup(ctx context.Context, groupGUID string) error {
	return c.client.Del(ctx, assetGroupKey(groupGUID)).Err()
}

func (c *Cache) getJSON(ctx context.Context, key string, out any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("redis get failed: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		// Corrupted entry - drop it and treat as miss
		c.client.Del(ctx, key)
		return ErrCacheMiss
	}
	return nil
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}
	return nil
}
