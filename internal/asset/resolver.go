package asset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seawatch/subscriptions/internal/model"
)

// DefaultGroupTTL is how long group membership stays cached.
const DefaultGroupTTL = 10 * time.Minute

// GroupCache stores resolved group membership. Get returns an error on miss.
type GroupCache interface {
	GetAssetGroup(ctx context.Context, groupGUID string) ([]model.Asset, error)
	SetAssetGroup(ctx context.Context, groupGUID string, assets []model.Asset, ttl time.Duration) error
}

// Resolver expands subscription asset references into assets.
type Resolver struct {
	source   Source
	cache    GroupCache
	groupTTL time.Duration
	logger   *slog.Logger
}

// NewResolver creates a Resolver. cache may be nil.
func NewResolver(source Source, cache GroupCache, groupTTL time.Duration, logger *slog.Logger) *Resolver {
	if groupTTL <= 0 {
		groupTTL = DefaultGroupTTL
	}
	return &Resolver{
		source:   source,
		cache:    cache,
		groupTTL: groupTTL,
		logger:   logger.With("component", "asset.resolver"),
	}
}

// Resolve returns the distinct assets behind refs, in reference order.
// Unknown assets are skipped.
func (r *Resolver) Resolve(ctx context.Context, refs []model.AssetRef) ([]model.Asset, error) {
	seen := make(map[string]struct{})
	out := make([]model.Asset, 0, len(refs))

	add := func(a model.Asset) {
		if _, ok := seen[a.GUID]; ok {
			return
		}
		seen[a.GUID] = struct{}{}
		out = append(out, a)
	}

	for _, ref := range refs {
		switch ref.Type {
		case model.AssetRefGroup:
			members, err := r.Group(ctx, ref.GUID)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				add(m)
			}
		default:
			a, err := r.Asset(ctx, ref.GUID)
			if errors.Is(err, ErrAssetNotFound) {
				r.logger.Warn("subscription references unknown asset", "asset_guid", ref.GUID)
				continue
			}
			if err != nil {
				return nil, err
			}
			add(*a)
		}
	}

	return out, nil
}

// Asset fetches a single asset.
func (r *Resolver) Asset(ctx context.Context, guid string) (*model.Asset, error) {
	a, err := r.source.Asset(ctx, guid)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve asset %s: %w", guid, err)
	}
	return a, nil
}

// Group returns the members of a group, cache first.
func (r *Resolver) Group(ctx context.Context, groupGUID string) ([]model.Asset, error) {
	if r.cache != nil {
		if cached, err := r.cache.GetAssetGroup(ctx, groupGUID); err == nil {
			return cached, nil
		}
	}

	members, err := r.source.AssetsByGroup(ctx, groupGUID)
	if err != nil {
		return nil, fmt.Errorf("resolve asset group %s: %w", groupGUID, err)
	}

	if r.cache != nil {
		if err := r.cache.SetAssetGroup(ctx, groupGUID, members, r.groupTTL); err != nil {
			r.logger.Warn("failed to cache asset group", "group_guid", groupGUID, "error", err)
		}
	}
	return members, nil
}

// ConnectIDs returns the connect IDs of assets, skipping empty ones.
func ConnectIDs(assets []model.Asset) []string {
	ids := make([]string, 0, len(assets))
	for _, a := range assets {
		if a.ConnectID != "" {
			ids = append(ids, a.ConnectID)
		}
	}
	return ids
}
