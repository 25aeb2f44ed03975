package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seawatch/subscriptions/internal/model"
)

// UniqueID returns prefix-<ulid>, lowercased.
func UniqueID(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String())
}

// NewTestSubscription is an active, private INC_POSITION subscription on one
// asset with no output side effects.
func NewTestSubscription(t testing.TB, ownerID string) *model.Subscription {
	t.Helper()
	now := time.Now().UTC()
	return &model.Subscription{
		ID:            UniqueID("sub"),
		OwnerID:       ownerID,
		Name:          UniqueID("watch"),
		Active:        true,
		Accessibility: model.AccessibilityPrivate,
		Output: model.Output{
			MessageType: model.MessageTypeNone,
			History:     1,
			HistoryUnit: model.HistoryUnitDays,
		},
		Execution: model.Execution{TriggerType: model.TriggerIncomingPosition},
		Assets:    []model.AssetRef{{GUID: UniqueID("asset"), Type: model.AssetRefAsset}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTestTrigger is a trigger of sub due now.
func NewTestTrigger(t testing.TB, sub *model.Subscription) *model.Trigger {
	t.Helper()
	now := time.Now().UTC()
	return &model.Trigger{
		ID:             UniqueID("trg"),
		SubscriptionID: sub.ID,
		EventID:        UniqueID("event"),
		AssetGUID:      UniqueID("asset"),
		Source:         sub.Execution.TriggerType,
		Window:         sub.OutputWindowEndingAt(now),
		Status:         model.TriggerStatusPending,
		MaxAttempts:    model.DefaultTriggerMaxAttempts,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewTestAPIKey is a read/write key on tier. The hash is random, so the key
// can be stored and listed but never verified.
func NewTestAPIKey(t testing.TB, userID string, tier string) *model.APIKey {
	t.Helper()
	return &model.APIKey{
		ID:            UniqueID("key"),
		UserID:        userID,
		KeyHash:       UniqueID("hash"),
		KeyPrefix:     "sw_test_",
		Scopes:        []string{model.ScopeRead, model.ScopeWrite},
		RateLimitTier: tier,
		Name:          "integration key",
		CreatedAt:     time.Now().UTC(),
	}
}
