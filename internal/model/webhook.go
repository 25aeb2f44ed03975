package model

import (
	"slices"
	"time"
)

// EventType names what a webhook delivery announces.
type EventType string

const (
	// EventTypeSubscriptionTriggered goes to the endpoint a subscription output names.
	EventTypeSubscriptionTriggered EventType = "subscription.triggered"
	// EventTypeExtractReady fans out to every subscribed endpoint of the owner
	// once a trigger has archived extracts.
	EventTypeExtractReady EventType = "extract.ready"
)

var ValidEventTypes = []EventType{EventTypeSubscriptionTriggered, EventTypeExtractReady}

func IsValidEventType(et EventType) bool { return slices.Contains(ValidEventTypes, et) }

// DeliveryStatus is the lifecycle of a queued delivery:
// pending -> success | failed -> ... -> exhausted.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSuccess   DeliveryStatus = "success"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusExhausted DeliveryStatus = "exhausted"
)

// WebhookEndpoint is an operator's receiver. The plaintext secret is shown
// once; only its SHA-256 is kept and doubles as the HMAC key.
type WebhookEndpoint struct {
	ID          string
	UserID      string
	TargetURL   string
	SecretHash  string
	Enabled     bool
	EventTypes  []EventType
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Accepts reports whether the endpoint should receive et right now.
func (e *WebhookEndpoint) Accepts(et EventType) bool {
	return e.IsActive() && slices.Contains(e.EventTypes, et)
}

func (e *WebhookEndpoint) IsActive() bool { return e.Enabled && e.DeletedAt == nil }

// WebhookDelivery is one payload queued for one endpoint. (EventID,
// EndpointID) is unique, so re-publishing a trigger is a no-op.
type WebhookDelivery struct {
	ID             string
	EndpointID     string
	EventID        string
	EventType      EventType
	PayloadJSON    string
	Status         DeliveryStatus
	AttemptCount   int
	MaxAttempts    int
	NextRetryAt    time.Time
	LastAttemptAt  *time.Time
	LastHTTPStatus *int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (d *WebhookDelivery) IsTerminal() bool {
	return d.Status == DeliveryStatusSuccess || d.Status == DeliveryStatusExhausted
}

type WebhookEndpointCreateRequest struct {
	Name        string      `json:"name,omitempty" validate:"max=100"`
	Description string      `json:"description,omitempty" validate:"max=500"`
	TargetURL   string      `json:"target_url" validate:"required,url,max=2048"`
	EventTypes  []EventType `json:"event_types,omitempty" validate:"dive,oneof=subscription.triggered extract.ready"`
}

// WebhookEndpointUpdateRequest is a PATCH: nil fields are left alone.
type WebhookEndpointUpdateRequest struct {
	Name        *string      `json:"name,omitempty" validate:"omitempty,max=100"`
	Description *string      `json:"description,omitempty" validate:"omitempty,max=500"`
	TargetURL   *string      `json:"target_url,omitempty" validate:"omitempty,url,max=2048"`
	Enabled     *bool        `json:"enabled,omitempty"`
	EventTypes  *[]EventType `json:"event_types,omitempty" validate:"omitempty,min=1,dive,oneof=subscription.triggered extract.ready"`
}

type WebhookEndpointResponse struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	TargetURL   string      `json:"target_url"`
	Enabled     bool        `json:"enabled"`
	EventTypes  []EventType `json:"event_types"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (e *WebhookEndpoint) ToResponse() WebhookEndpointResponse {
	return WebhookEndpointResponse{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		TargetURL:   e.TargetURL,
		Enabled:     e.Enabled,
		EventTypes:  e.EventTypes,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// WebhookEndpointCreateResponse carries the signing secret; it is returned
// on create and never again.
type WebhookEndpointCreateResponse struct {
	WebhookEndpointResponse
	Secret string `json:"secret"`
}

type WebhookDeliveryResponse struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	EventType      EventType      `json:"event_type"`
	Status         DeliveryStatus `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	LastHTTPStatus *int           `json:"last_http_status,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ToResponse omits the payload; next_retry_at only shows while a retry is
// actually pending.
func (d *WebhookDelivery) ToResponse() WebhookDeliveryResponse {
	resp := WebhookDeliveryResponse{
		ID:             d.ID,
		EventID:        d.EventID,
		EventType:      d.EventType,
		Status:         d.Status,
		AttemptCount:   d.AttemptCount,
		MaxAttempts:    d.MaxAttempts,
		LastAttemptAt:  d.LastAttemptAt,
		LastHTTPStatus: d.LastHTTPStatus,
		LastError:      d.LastError,
		CreatedAt:      d.CreatedAt,
	}
	if !d.IsTerminal() && !d.NextRetryAt.IsZero() {
		next := d.NextRetryAt
		resp.NextRetryAt = &next
	}
	return resp
}

// WebhookPayload is the signed JSON body of every delivery.
type WebhookPayload struct {
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// TriggeredEventData is Data for both event types.
type TriggeredEventData struct {
	SubscriptionID   string       `json:"subscription_id"`
	SubscriptionName string       `json:"subscription_name"`
	TriggerID        string       `json:"trigger_id"`
	Source           TriggerType  `json:"source"`
	AssetGUID        string       `json:"asset_guid"`
	Window           OutputWindow `json:"window"`
	ExtractKeys      []string     `json:"extract_keys,omitempty"`
}
