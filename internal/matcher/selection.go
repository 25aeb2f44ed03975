package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seawatch/subscriptions/internal/asset"
	"github.com/seawatch/subscriptions/internal/model"
)

// SelectAssets resolves the assets a subscription refers to and keeps those
// with movements inside its areas during window. Without asset references,
// every asset the movement module reports inside the areas is selected; those
// assets carry only a connect ID.
func SelectAssets(ctx context.Context, assets AssetResolver, areas AreaFilter, sub *model.Subscription, window model.OutputWindow) ([]model.Asset, error) {
	var resolved []model.Asset
	if len(sub.Assets) > 0 {
		var err error
		resolved, err = assets.Resolve(ctx, sub.Assets)
		if err != nil {
			return nil, fmt.Errorf("resolve assets: %w", err)
		}
	}

	if !sub.HasAreas() {
		return resolved, nil
	}

	candidates := asset.ConnectIDs(resolved)
	if len(sub.Assets) > 0 && len(candidates) == 0 {
		// nothing to confirm; an empty candidate list would mean "all assets"
		return nil, nil
	}

	ids, err := areas.FilterAssetsBySubscriptionAreas(ctx, sub.Areas, candidates, window)
	if err != nil {
		return nil, fmt.Errorf("filter by areas: %w", err)
	}

	if len(sub.Assets) == 0 {
		selected := make([]model.Asset, 0, len(ids))
		for _, id := range ids {
			selected = append(selected, model.Asset{ConnectID: id})
		}
		return selected, nil
	}

	inside := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inside[id] = struct{}{}
	}
	selected := make([]model.Asset, 0, len(ids))
	for _, a := range resolved {
		if _, ok := inside[a.ConnectID]; ok {
			selected = append(selected, a)
		}
	}
	return selected, nil
}

// NewTrigger builds a pending trigger for one asset. Assets known only by
// connect ID use it as their subject key.
func NewTrigger(sub *model.Subscription, source model.TriggerType, eventID string, a model.Asset, window model.OutputWindow, payload []byte, now time.Time) *model.Trigger {
	now = now.UTC()
	subjectKey := a.GUID
	if subjectKey == "" {
		subjectKey = a.ConnectID
	}
	return &model.Trigger{
		ID:             ulid.Make().String(),
		SubscriptionID: sub.ID,
		EventID:        eventID,
		AssetGUID:      subjectKey,
		ConnectID:      a.ConnectID,
		Source:         source,
		Window:         window,
		Payload:        payload,
		Status:         model.TriggerStatusPending,
		MaxAttempts:    model.DefaultTriggerMaxAttempts,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
