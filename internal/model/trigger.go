package model

import "time"

// TriggerStatus represents the execution state of a trigger.
type TriggerStatus string

const (
	TriggerStatusPending   TriggerStatus = "pending"
	TriggerStatusDone      TriggerStatus = "done"
	TriggerStatusFailed    TriggerStatus = "failed"
	TriggerStatusExhausted TriggerStatus = "exhausted"
)

// DefaultTriggerMaxAttempts bounds execution attempts per trigger.
const DefaultTriggerMaxAttempts = 5

// Trigger records that a subscription matched and must be executed.
// (SubscriptionID, EventID, AssetGUID) is unique.
type Trigger struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	EventID        string        `json:"event_id"`
	AssetGUID      string        `json:"asset_guid"`
	ConnectID      string        `json:"connect_id,omitempty"`
	Source         TriggerType   `json:"source"`
	Window         OutputWindow  `json:"window"`
	Payload        []byte        `json:"-"`
	Status         TriggerStatus `json:"status"`
	AttemptCount   int           `json:"attempt_count"`
	MaxAttempts    int           `json:"max_attempts"`
	NextAttemptAt  time.Time     `json:"next_attempt_at"`
	LastError      string        `json:"last_error,omitempty"`
	ExtractKeys    []string      `json:"extract_keys,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// CanRetry returns true if the trigger can be attempted again.
func (t *Trigger) CanRetry() bool {
	return t.Status == TriggerStatusFailed && t.AttemptCount < t.MaxAttempts
}

// IsTerminal returns true if the trigger will not run again.
func (t *Trigger) IsTerminal() bool {
	return t.Status == TriggerStatusDone || t.Status == TriggerStatusExhausted
}
