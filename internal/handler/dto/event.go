package dto

import (
	"encoding/json"
	"time"

	"github.com/seawatch/subscriptions/internal/model"
)

// EventRequest is an inbound position or activity report. ID is generated
// when omitted.
type EventRequest struct {
	ID         string              `json:"id,omitempty"`
	Type       model.InboundType   `json:"type" validate:"required,oneof=POSITION FA_REPORT"`
	AssetGUID  string              `json:"asset_guid,omitempty" validate:"required_without=ConnectID"`
	ConnectID  string              `json:"connect_id,omitempty"`
	OccurredAt time.Time           `json:"occurred_at" validate:"required"`
	Window     *model.OutputWindow `json:"window,omitempty"`
	Geometry   string              `json:"geometry,omitempty"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
}

// ToEvent converts the request to the domain event.
func (r *EventRequest) ToEvent(id string) *model.Event {
	if r.ID != "" {
		id = r.ID
	}
	return &model.Event{
		ID:         id,
		Type:       r.Type,
		AssetGUID:  r.AssetGUID,
		ConnectID:  r.ConnectID,
		OccurredAt: r.OccurredAt.UTC(),
		Window:     r.Window,
		Geometry:   r.Geometry,
		Payload:    r.Payload,
	}
}

// EventAcceptedResponse acknowledges an enqueued event.
type EventAcceptedResponse struct {
	EventID  string `json:"event_id"`
	StreamID string `json:"stream_id"`
	Status   string `json:"status"`
}
