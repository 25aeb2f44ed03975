// Package model defines domain entities for the application.
package model

import (
	"errors"
	"slices"
	"time"
)

// SubscriptionStatus represents the computed status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusPending  SubscriptionStatus = "pending"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
	SubscriptionStatusDeleted  SubscriptionStatus = "deleted"
)

// TriggerType names what causes a subscription to be evaluated.
type TriggerType string

const (
	TriggerIncomingPosition TriggerType = "INC_POSITION"
	TriggerIncomingFAReport TriggerType = "INC_FA_REPORT"
	TriggerScheduler        TriggerType = "SCHEDULER"
	TriggerManual           TriggerType = "MANUAL"
)

// ValidTriggerTypes are the trigger types a subscription may be configured with.
// MANUAL is only ever a trigger source, never a configured type.
var ValidTriggerTypes = []TriggerType{TriggerIncomingPosition, TriggerIncomingFAReport, TriggerScheduler}

// IsValid checks if the trigger type can be stored on a subscription.
func (t TriggerType) IsValid() bool {
	return slices.Contains(ValidTriggerTypes, t)
}

// MessageType selects the extract produced when a subscription fires.
type MessageType string

const (
	MessageTypeNone     MessageType = "NONE"
	MessageTypePosition MessageType = "POSITION"
	MessageTypeFAReport MessageType = "FA_REPORT"
)

// IsValid checks if the message type is known.
func (m MessageType) IsValid() bool {
	return m == MessageTypeNone || m == MessageTypePosition || m == MessageTypeFAReport
}

// Accessibility controls who may read a subscription.
type Accessibility string

const (
	AccessibilityPrivate Accessibility = "PRIVATE"
	AccessibilityPublic  Accessibility = "PUBLIC"
)

// HistoryUnit is the unit of Output.History.
type HistoryUnit string

const (
	HistoryUnitDays   HistoryUnit = "DAYS"
	HistoryUnitWeeks  HistoryUnit = "WEEKS"
	HistoryUnitMonths HistoryUnit = "MONTHS"
)

// IsValid checks if the history unit is known.
func (u HistoryUnit) IsValid() bool {
	return u == HistoryUnitDays || u == HistoryUnitWeeks || u == HistoryUnitMonths
}

// VesselIdentifier names an identifier printed in notifications.
type VesselIdentifier string

const (
	VesselIdentifierCFR     VesselIdentifier = "CFR"
	VesselIdentifierIRCS    VesselIdentifier = "IRCS"
	VesselIdentifierICCAT   VesselIdentifier = "ICCAT"
	VesselIdentifierExtMark VesselIdentifier = "EXT_MARK"
	VesselIdentifierUVI     VesselIdentifier = "UVI"
)

// ValidVesselIdentifiers lists every supported identifier.
var ValidVesselIdentifiers = []VesselIdentifier{
	VesselIdentifierCFR,
	VesselIdentifierIRCS,
	VesselIdentifierICCAT,
	VesselIdentifierExtMark,
	VesselIdentifierUVI,
}

// AssetRefType distinguishes single assets from asset groups.
type AssetRefType string

const (
	AssetRefAsset AssetRefType = "ASSET"
	AssetRefGroup AssetRefType = "ASSET_GROUP"
)

// AreaType classifies an area reference.
type AreaType string

const (
	AreaTypeEEZ      AreaType = "EEZ"
	AreaTypeRFMO     AreaType = "RFMO"
	AreaTypePort     AreaType = "PORT"
	AreaTypeFAO      AreaType = "FAO"
	AreaTypeUserArea AreaType = "USERAREA"
)

// Subscription errors.
var (
	ErrSubscriptionIDRequired    = errors.New("subscription id is required")
	ErrSubscriptionNameRequired  = errors.New("subscription name is required")
	ErrSubscriptionOwnerRequired = errors.New("subscription owner is required")
	ErrSubscriptionDateOrder     = errors.New("subscription start date must not be after end date")
)

// Output describes what a triggered subscription produces.
type Output struct {
	MessageType        MessageType        `json:"message_type"`
	Emails             []string           `json:"emails,omitempty"`
	EmailBody          string             `json:"email_body,omitempty"`
	IncludeAttachments bool               `json:"include_attachments"`
	WebhookEndpointID  string             `json:"webhook_endpoint_id,omitempty"`
	History            int                `json:"history"`
	HistoryUnit        HistoryUnit        `json:"history_unit"`
	VesselIdentifiers  []VesselIdentifier `json:"vessel_identifiers,omitempty"`
	Consolidated       bool               `json:"consolidated"`
}

// Execution describes when a subscription is evaluated.
type Execution struct {
	TriggerType            TriggerType `json:"trigger_type"`
	Frequency              int         `json:"frequency"`
	TimeExpression         string      `json:"time_expression,omitempty"`
	NextScheduledExecution *time.Time  `json:"next_scheduled_execution,omitempty"`
}

// AssetRef points at an asset or an asset group.
type AssetRef struct {
	GUID string       `json:"guid"`
	Type AssetRefType `json:"type"`
	Name string       `json:"name,omitempty"`
}

// AreaRef is a named area with its geometry in WKT.
type AreaRef struct {
	Code string   `json:"code,omitempty"`
	Type AreaType `json:"type"`
	Name string   `json:"name,omitempty"`
	WKT  string   `json:"wkt"`
}

// Subscription is a stored rule describing which incoming reports trigger a notification.
type Subscription struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Active        bool          `json:"active"`
	Accessibility Accessibility `json:"accessibility"`
	StartDate     *time.Time    `json:"start_date,omitempty"`
	EndDate       *time.Time    `json:"end_date,omitempty"`
	Output        Output        `json:"output"`
	Execution     Execution     `json:"execution"`
	Assets        []AssetRef    `json:"assets,omitempty"`
	Areas         []AreaRef     `json:"areas,omitempty"`
	Conditions    []Condition   `json:"conditions,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	DeletedAt     *time.Time    `json:"-"`
}

// Validate checks the identifier and date-order invariants.
func (s *Subscription) Validate() error {
	if s.ID == "" {
		return ErrSubscriptionIDRequired
	}
	if s.Name == "" {
		return ErrSubscriptionNameRequired
	}
	if s.OwnerID == "" {
		return ErrSubscriptionOwnerRequired
	}
	if s.StartDate != nil && s.EndDate != nil && s.StartDate.After(*s.EndDate) {
		return ErrSubscriptionDateOrder
	}
	return nil
}

// Status computes the status of the subscription at the given time.
func (s *Subscription) Status(now time.Time) SubscriptionStatus {
	if s.DeletedAt != nil {
		return SubscriptionStatusDeleted
	}
	if !s.Active {
		return SubscriptionStatusInactive
	}
	if s.StartDate != nil && now.Before(*s.StartDate) {
		return SubscriptionStatusPending
	}
	if s.EndDate != nil && now.After(*s.EndDate) {
		return SubscriptionStatusExpired
	}
	return SubscriptionStatusActive
}

// IsActiveAt reports whether the subscription may fire for an event at t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	return s.Status(t) == SubscriptionStatusActive
}

// VisibleTo reports whether the given user may read the subscription.
func (s *Subscription) VisibleTo(userID string) bool {
	return s.OwnerID == userID || s.Accessibility == AccessibilityPublic
}

// HasAreas reports whether the subscription restricts matches spatially.
func (s *Subscription) HasAreas() bool {
	return len(s.Areas) > 0
}

// AssetGUIDs returns the GUIDs of directly referenced assets.
func (s *Subscription) AssetGUIDs() []string {
	guids := make([]string, 0, len(s.Assets))
	for _, a := range s.Assets {
		if a.Type == AssetRefAsset {
			guids = append(guids, a.GUID)
		}
	}
	return guids
}

// GroupGUIDs returns the GUIDs of referenced asset groups.
func (s *Subscription) GroupGUIDs() []string {
	guids := make([]string, 0)
	for _, a := range s.Assets {
		if a.Type == AssetRefGroup {
			guids = append(guids, a.GUID)
		}
	}
	return guids
}

// OutputWindowEndingAt computes the output window that ends at t.
func (s *Subscription) OutputWindowEndingAt(t time.Time) OutputWindow {
	return WindowEndingAt(t, s.Output.History, s.Output.HistoryUnit)
}
