package model

import (
	"encoding/json"
	"errors"
	"time"
)

// InboundType identifies the kind of inbound domain event.
type InboundType string

const (
	InboundPosition InboundType = "POSITION"
	InboundFAReport InboundType = "FA_REPORT"
)

// Event validation errors.
var (
	ErrEventIDRequired    = errors.New("event id is required")
	ErrEventTypeInvalid   = errors.New("event type must be POSITION or FA_REPORT")
	ErrEventAssetRequired = errors.New("event asset guid or connect id is required")
	ErrEventTimeRequired  = errors.New("event occurred_at is required")
)

// Event is an inbound vessel position or fishing activity report.
type Event struct {
	ID         string          `json:"id"`
	Type       InboundType     `json:"type"`
	AssetGUID  string          `json:"asset_guid,omitempty"`
	ConnectID  string          `json:"connect_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Window     *OutputWindow   `json:"window,omitempty"`
	Geometry   string          `json:"geometry,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the identifier, type, time and window invariants.
func (e *Event) Validate() error {
	if e.ID == "" {
		return ErrEventIDRequired
	}
	if e.Type != InboundPosition && e.Type != InboundFAReport {
		return ErrEventTypeInvalid
	}
	if e.AssetGUID == "" && e.ConnectID == "" {
		return ErrEventAssetRequired
	}
	if e.OccurredAt.IsZero() {
		return ErrEventTimeRequired
	}
	if e.Window != nil {
		if err := e.Window.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TriggerType maps the event to the subscription trigger it fires.
func (e *Event) TriggerType() TriggerType {
	if e.Type == InboundFAReport {
		return TriggerIncomingFAReport
	}
	return TriggerIncomingPosition
}

// EffectiveWindow returns the event window, or a point window at OccurredAt.
func (e *Event) EffectiveWindow() OutputWindow {
	if e.Window != nil {
		return *e.Window
	}
	t := e.OccurredAt.UTC()
	return OutputWindow{Start: t, End: t}
}

// Asset is a vessel known to the asset module.
type Asset struct {
	GUID            string `json:"guid"`
	ConnectID       string `json:"connect_id"`
	Name            string `json:"name,omitempty"`
	FlagState       string `json:"flag_state,omitempty"`
	CFR             string `json:"cfr,omitempty"`
	IRCS            string `json:"ircs,omitempty"`
	ICCAT           string `json:"iccat,omitempty"`
	ExternalMarking string `json:"external_marking,omitempty"`
	UVI             string `json:"uvi,omitempty"`
}

// Identifier returns the value of the requested vessel identifier.
func (a *Asset) Identifier(kind VesselIdentifier) string {
	switch kind {
	case VesselIdentifierCFR:
		return a.CFR
	case VesselIdentifierIRCS:
		return a.IRCS
	case VesselIdentifierICCAT:
		return a.ICCAT
	case VesselIdentifierExtMark:
		return a.ExternalMarking
	case VesselIdentifierUVI:
		return a.UVI
	default:
		return ""
	}
}

// Movement is a single position report from the movement module.
type Movement struct {
	ID        string    `json:"id"`
	ConnectID string    `json:"connect_id"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Speed     float64   `json:"speed"`
	Course    float64   `json:"course"`
	Source    string    `json:"source,omitempty"`
}

// EmailAttachment is a file attached to a notification email.
type EmailAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}
