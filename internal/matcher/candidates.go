package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
)

// DefaultCandidateTTL bounds how stale cached candidates may be.
const DefaultCandidateTTL = time.Minute

// SubscriptionLister reads active subscriptions from storage.
type SubscriptionLister interface {
	ListActiveByTriggerType(ctx context.Context, triggerType model.TriggerType) ([]model.Subscription, error)
}

// CandidateCache caches candidate subscriptions per trigger type.
// Get returns an error on miss.
type CandidateCache interface {
	GetCandidates(ctx context.Context, triggerType model.TriggerType) ([]model.Subscription, error)
	SetCandidates(ctx context.Context, triggerType model.TriggerType, subs []model.Subscription, ttl time.Duration) error
}

// CachedCandidates serves candidates from the cache, falling back to storage.
type CachedCandidates struct {
	repo    SubscriptionLister
	cache   CandidateCache
	ttl     time.Duration
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewCachedCandidates creates a CandidateSource. cache may be nil.
func NewCachedCandidates(repo SubscriptionLister, cache CandidateCache, ttl time.Duration, recorder metrics.Recorder, logger *slog.Logger) *CachedCandidates {
	if ttl <= 0 {
		ttl = DefaultCandidateTTL
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &CachedCandidates{
		repo:    repo,
		cache:   cache,
		ttl:     ttl,
		metrics: recorder,
		logger:  logger.With("component", "matcher.candidates"),
	}
}

// Candidates implements CandidateSource.
func (c *CachedCandidates) Candidates(ctx context.Context, triggerType model.TriggerType) ([]model.Subscription, error) {
	if c.cache != nil {
		if subs, err := c.cache.GetCandidates(ctx, triggerType); err == nil {
			c.metrics.IncCandidateCacheHit()
			return subs, nil
		}
		c.metrics.IncCandidateCacheMiss()
	}

	subs, err := c.repo.ListActiveByTriggerType(ctx, triggerType)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetCandidates(ctx, triggerType, subs, c.ttl); err != nil {
			c.logger.Warn("failed to cache candidates", "trigger_type", triggerType, "error", err)
		}
	}
	return subs, nil
}
