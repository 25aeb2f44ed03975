//go:build integration

package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/testutil"
)

// ============================================================================
// Subscription Integration Tests
// ============================================================================

func TestIntegrationSubscription_CreateAndGet(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)

	sub := testutil.NewTestSubscription(t, "owner-1")
	sub.Areas = []model.AreaRef{{Type: model.AreaTypeUserArea, WKT: "POLYGON((-10 43, -1 43, -1 48, -10 48, -10 43))"}}
	sub.Conditions = []model.Condition{{Field: "speed", Operator: model.OpGreaterThan, Value: 10.0}}

	if err := repo.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	got, err := repo.GetSubscriptionByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscriptionByID failed: %v", err)
	}
	if got.Name != sub.Name || got.OwnerID != sub.OwnerID {
		t.Errorf("got %q/%q, want %q/%q", got.Name, got.OwnerID, sub.Name, sub.OwnerID)
	}
	if len(got.Assets) != 1 || got.Assets[0].GUID != sub.Assets[0].GUID {
		t.Errorf("assets not round-tripped: %+v", got.Assets)
	}
	if len(got.Areas) != 1 || len(got.Conditions) != 1 {
		t.Errorf("areas/conditions not round-tripped: %+v %+v", got.Areas, got.Conditions)
	}

	if _, err := repo.GetSubscriptionByID(ctx, "missing"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestIntegrationSubscription_NameUniquePerOwner(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)

	first := testutil.NewTestSubscription(t, "owner-1")
	first.Name = "Biscay watch"
	if err := repo.CreateSubscription(ctx, first); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	exists, err := repo.SubscriptionNameExists(ctx, "owner-1", "BISCAY WATCH", "")
	if err != nil {
		t.Fatalf("SubscriptionNameExists failed: %v", err)
	}
	if !exists {
		t.Error("name check should ignore case")
	}

	exists, _ = repo.SubscriptionNameExists(ctx, "owner-1", "Biscay watch", first.ID)
	if exists {
		t.Error("excluded subscription should not count")
	}

	dup := testutil.NewTestSubscription(t, "owner-1")
	dup.Name = "biscay watch"
	if err := repo.CreateSubscription(ctx, dup); !errors.Is(err, ErrSubscriptionNameExists) {
		t.Errorf("expected ErrSubscriptionNameExists, got %v", err)
	}

	other := testutil.NewTestSubscription(t, "owner-2")
	other.Name = "Biscay watch"
	if err := repo.CreateSubscription(ctx, other); err != nil {
		t.Errorf("another owner may reuse the name: %v", err)
	}
}

func TestIntegrationSubscription_UpdateActivateDelete(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)

	sub := testutil.NewTestSubscription(t, "owner-1")
	if err := repo.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	sub.Description = "updated"
	sub.UpdatedAt = time.Now().UTC()
	if err := repo.UpdateSubscription(ctx, sub); err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}

	if err := repo.SetSubscriptionActive(ctx, sub.ID, false); err != nil {
		t.Fatalf("SetSubscriptionActive failed: %v", err)
	}

	got, err := repo.GetSubscriptionByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscriptionByID failed: %v", err)
	}
	if got.Description != "updated" || got.Active {
		t.Errorf("got description %q active %v", got.Description, got.Active)
	}

	active, err := repo.ListActiveByTriggerType(ctx, model.TriggerIncomingPosition)
	if err != nil {
		t.Fatalf("ListActiveByTriggerType failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("inactive subscription listed as candidate")
	}

	if err := repo.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("DeleteSubscription failed: %v", err)
	}
	if _, err := repo.GetSubscriptionByID(ctx, sub.ID); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("deleted subscription still readable: %v", err)
	}
	if err := repo.DeleteSubscription(ctx, sub.ID); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("double delete: expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestIntegrationSubscription_ListVisibilityAndPaging(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)

	for i := 0; i < 3; i++ {
		sub := testutil.NewTestSubscription(t, "owner-1")
		sub.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := repo.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription failed: %v", err)
		}
	}
	public := testutil.NewTestSubscription(t, "owner-2")
	public.Accessibility = model.AccessibilityPublic
	if err := repo.CreateSubscription(ctx, public); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	private := testutil.NewTestSubscription(t, "owner-2")
	if err := repo.CreateSubscription(ctx, private); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	filter := SubscriptionFilter{ViewerID: "owner-1"}
	page, cursor, err := repo.ListSubscriptions(ctx, filter, "", 2)
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	if len(page) != 2 || cursor == "" {
		t.Fatalf("first page: got %d items, cursor %q", len(page), cursor)
	}

	rest, next, err := repo.ListSubscriptions(ctx, filter, cursor, 10)
	if err != nil {
		t.Fatalf("ListSubscriptions page 2 failed: %v", err)
	}
	if next != "" {
		t.Errorf("unexpected cursor on last page: %q", next)
	}

	seen := make(map[string]bool)
	for _, s := range append(page, rest...) {
		seen[s.ID] = true
	}
	if len(seen) != 4 {
		t.Errorf("expected own three plus one public subscription, got %d", len(seen))
	}
	if seen[private.ID] {
		t.Error("another owner's private subscription must not be listed")
	}

	if _, _, err := repo.ListSubscriptions(ctx, filter, "not-a-cursor", 10); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestIntegrationSubscription_Schedule(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	sub := testutil.NewTestSubscription(t, "owner-1")
	sub.Execution = model.Execution{TriggerType: model.TriggerScheduler, Frequency: 1, TimeExpression: "06:00", NextScheduledExecution: &past}
	if err := repo.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	due, err := repo.ListDueScheduled(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDueScheduled failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != sub.ID {
		t.Fatalf("expected the scheduled subscription to be due, got %d", len(due))
	}

	next := now.Add(24 * time.Hour)
	if err := repo.AdvanceSchedule(ctx, sub.ID, &next); err != nil {
		t.Fatalf("AdvanceSchedule failed: %v", err)
	}
	due, _ = repo.ListDueScheduled(ctx, now, 10)
	if len(due) != 0 {
		t.Errorf("advanced subscription still due")
	}

	if err := repo.AdvanceSchedule(ctx, sub.ID, nil); err != nil {
		t.Fatalf("AdvanceSchedule(nil) failed: %v", err)
	}
	got, _ := repo.GetSubscriptionByID(ctx, sub.ID)
	if got.Active {
		t.Error("run-once subscription should be deactivated")
	}
}

// ============================================================================
// Trigger Integration Tests
// ============================================================================

func TestIntegrationTrigger_CreateDeduplicates(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)

	sub := testutil.NewTestSubscription(t, "owner-1")
	if err := repo.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	trg := testutil.NewTestTrigger(t, sub)
	created, err := repo.CreateTrigger(ctx, trg)
	if err != nil || !created {
		t.Fatalf("CreateTrigger = %v, %v", created, err)
	}

	dup := testutil.NewTestTrigger(t, sub)
	dup.EventID = trg.EventID
	dup.AssetGUID = trg.AssetGUID
	created, err = repo.CreateTrigger(ctx, dup)
	if err != nil {
		t.Fatalf("CreateTrigger dup failed: %v", err)
	}
	if created {
		t.Error("same subscription, event and asset must not create a second trigger")
	}

	list, err := repo.ListTriggersBySubscription(ctx, sub.ID, 10)
	if err != nil {
		t.Fatalf("ListTriggersBySubscription failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 trigger, got %d", len(list))
	}
}

func TestIntegrationTrigger_ClaimAndComplete(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)

	sub := testutil.NewTestSubscription(t, "owner-1")
	if err := repo.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	a := testutil.NewTestTrigger(t, sub)
	b := testutil.NewTestTrigger(t, sub)
	for _, trg := range []*model.Trigger{a, b} {
		if _, err := repo.CreateTrigger(ctx, trg); err != nil {
			t.Fatalf("CreateTrigger failed: %v", err)
		}
	}

	claimed, err := repo.ClaimDueTriggers(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDueTriggers failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}

	again, err := repo.ClaimDueTriggers(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("second ClaimDueTriggers failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("leased triggers claimed twice: %d", len(again))
	}

	if err := repo.MarkTriggerDone(ctx, a.ID, []string{"extracts/a.csv"}); err != nil {
		t.Fatalf("MarkTriggerDone failed: %v", err)
	}
	if err := repo.MarkTriggerFailed(ctx, b.ID, "smtp down", time.Now().UTC().Add(-time.Second), false); err != nil {
		t.Fatalf("MarkTriggerFailed failed: %v", err)
	}

	done, err := repo.GetTriggerByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetTriggerByID failed: %v", err)
	}
	if done.Status != model.TriggerStatusDone || len(done.ExtractKeys) != 1 {
		t.Errorf("done trigger: status %q keys %v", done.Status, done.ExtractKeys)
	}

	retry, err := repo.ClaimDueTriggers(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("retry ClaimDueTriggers failed: %v", err)
	}
	if len(retry) != 1 || retry[0].ID != b.ID || retry[0].AttemptCount != 1 {
		t.Fatalf("failed trigger should be retried once: %+v", retry)
	}

	if err := repo.MarkTriggerFailed(ctx, b.ID, "smtp down", time.Now().UTC(), true); err != nil {
		t.Fatalf("MarkTriggerFailed exhausted failed: %v", err)
	}
	depth, err := repo.GetTriggerQueueDepth(ctx)
	if err != nil {
		t.Fatalf("GetTriggerQueueDepth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}

	if err := repo.MarkTriggerDone(ctx, "missing", nil); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("expected ErrTriggerNotFound, got %v", err)
	}
}

// ============================================================================
// Test Environment Setup
// ============================================================================

func newRepositoryTestEnv(t *testing.T) (context.Context, *Repository) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}

	ctx := context.Background()
	dbURL := testutil.RequireEnv(t, "DATABASE_URL")

	repo, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(repo.Close)

	unlock, err := testutil.AcquireDBLock(ctx, repo.Pool())
	if err != nil {
		t.Fatalf("acquire db lock: %v", err)
	}
	t.Cleanup(func() {
		_ = unlock()
	})

	if err := testutil.ResetSchema(dbURL); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	return ctx, repo
}
