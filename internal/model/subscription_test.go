package model

import (
	"errors"
	"testing"
	"time"
)

func TestSubscription_Status(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		sub  Subscription
		want SubscriptionStatus
	}{
		{
			name: "active - no validity period",
			sub:  Subscription{Active: true},
			want: SubscriptionStatusActive,
		},
		{
			name: "active - inside validity period",
			sub:  Subscription{Active: true, StartDate: &past, EndDate: &future},
			want: SubscriptionStatusActive,
		},
		{
			name: "inactive",
			sub:  Subscription{Active: false},
			want: SubscriptionStatusInactive,
		},
		{
			name: "pending - starts later",
			sub:  Subscription{Active: true, StartDate: &future},
			want: SubscriptionStatusPending,
		},
		{
			name: "expired",
			sub:  Subscription{Active: true, EndDate: &past},
			want: SubscriptionStatusExpired,
		},
		{
			name: "deleted takes precedence over inactive",
			sub:  Subscription{Active: false, DeletedAt: &past},
			want: SubscriptionStatusDeleted,
		},
		{
			name: "end date is inclusive",
			sub:  Subscription{Active: true, EndDate: &now},
			want: SubscriptionStatusActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.sub.Status(now); got != tt.want {
				t.Errorf("Status() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubscription_Validate(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	tests := []struct {
		name string
		sub  Subscription
		want error
	}{
		{"valid", Subscription{ID: "s1", Name: "n", OwnerID: "u"}, nil},
		{"missing id", Subscription{Name: "n", OwnerID: "u"}, ErrSubscriptionIDRequired},
		{"missing name", Subscription{ID: "s1", OwnerID: "u"}, ErrSubscriptionNameRequired},
		{"missing owner", Subscription{ID: "s1", Name: "n"}, ErrSubscriptionOwnerRequired},
		{"dates reversed", Subscription{ID: "s1", Name: "n", OwnerID: "u", StartDate: &start, EndDate: &end}, ErrSubscriptionDateOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.sub.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscription_VisibleTo(t *testing.T) {
	t.Parallel()

	private := Subscription{OwnerID: "alice", Accessibility: AccessibilityPrivate}
	public := Subscription{OwnerID: "alice", Accessibility: AccessibilityPublic}

	if !private.VisibleTo("alice") {
		t.Error("owner should see a private subscription")
	}
	if private.VisibleTo("bob") {
		t.Error("other users should not see a private subscription")
	}
	if !public.VisibleTo("bob") {
		t.Error("other users should see a public subscription")
	}
}

func TestSubscription_AssetAndGroupGUIDs(t *testing.T) {
	t.Parallel()

	sub := Subscription{Assets: []AssetRef{
		{GUID: "a1", Type: AssetRefAsset},
		{GUID: "g1", Type: AssetRefGroup},
		{GUID: "a2", Type: AssetRefAsset},
	}}

	assets := sub.AssetGUIDs()
	if len(assets) != 2 || assets[0] != "a1" || assets[1] != "a2" {
		t.Errorf("AssetGUIDs() = %v", assets)
	}

	groups := sub.GroupGUIDs()
	if len(groups) != 1 || groups[0] != "g1" {
		t.Errorf("GroupGUIDs() = %v", groups)
	}
}

func TestEnums_IsValid(t *testing.T) {
	t.Parallel()

	if !TriggerScheduler.IsValid() || TriggerManual.IsValid() || TriggerType("X").IsValid() {
		t.Error("unexpected TriggerType validity")
	}
	if !MessageTypeFAReport.IsValid() || MessageType("SMS").IsValid() {
		t.Error("unexpected MessageType validity")
	}
	if !HistoryUnitWeeks.IsValid() || HistoryUnit("YEARS").IsValid() {
		t.Error("unexpected HistoryUnit validity")
	}
	if !OpContains.IsValid() || ConditionOperator("regex").IsValid() {
		t.Error("unexpected ConditionOperator validity")
	}
}
