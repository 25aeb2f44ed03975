package dto

import (
	"time"

	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/service"
)

// OutputRequest mirrors model.Output in requests.
type OutputRequest struct {
	MessageType        model.MessageType        `json:"message_type,omitempty"`
	Emails             []string                 `json:"emails,omitempty" validate:"omitempty,dive,email"`
	EmailBody          string                   `json:"email_body,omitempty"`
	IncludeAttachments bool                     `json:"include_attachments"`
	WebhookEndpointID  string                   `json:"webhook_endpoint_id,omitempty"`
	History            int                      `json:"history" validate:"gte=0"`
	HistoryUnit        model.HistoryUnit        `json:"history_unit,omitempty"`
	VesselIdentifiers  []model.VesselIdentifier `json:"vessel_identifiers,omitempty"`
	Consolidated       bool                     `json:"consolidated"`
}

// ExecutionRequest mirrors model.Execution in requests.
type ExecutionRequest struct {
	TriggerType    model.TriggerType `json:"trigger_type" validate:"required"`
	Frequency      int               `json:"frequency" validate:"gte=0"`
	TimeExpression string            `json:"time_expression,omitempty"`
}

// SubscriptionRequest is the body of create and replace requests.
type SubscriptionRequest struct {
	Name          string              `json:"name" validate:"required"`
	Description   string              `json:"description,omitempty"`
	Active        bool                `json:"active"`
	Accessibility model.Accessibility `json:"accessibility,omitempty"`
	StartDate     *time.Time          `json:"start_date,omitempty"`
	EndDate       *time.Time          `json:"end_date,omitempty"`
	Output        OutputRequest       `json:"output"`
	Execution     ExecutionRequest    `json:"execution"`
	Assets        []model.AssetRef    `json:"assets,omitempty" validate:"omitempty,dive"`
	Areas         []model.AreaRef     `json:"areas,omitempty" validate:"omitempty,dive"`
	Conditions    []model.Condition   `json:"conditions,omitempty" validate:"omitempty,dive"`
}

// ToInput converts the request to the service input.
func (r *SubscriptionRequest) ToInput() service.SubscriptionInput {
	return service.SubscriptionInput{
		Name:          r.Name,
		Description:   r.Description,
		Active:        r.Active,
		Accessibility: r.Accessibility,
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		Output: model.Output{
			MessageType:        r.Output.MessageType,
			Emails:             r.Output.Emails,
			EmailBody:          r.Output.EmailBody,
			IncludeAttachments: r.Output.IncludeAttachments,
			WebhookEndpointID:  r.Output.WebhookEndpointID,
			History:            r.Output.History,
			HistoryUnit:        r.Output.HistoryUnit,
			VesselIdentifiers:  r.Output.VesselIdentifiers,
			Consolidated:       r.Output.Consolidated,
		},
		Execution: model.Execution{
			TriggerType:    r.Execution.TriggerType,
			Frequency:      r.Execution.Frequency,
			TimeExpression: r.Execution.TimeExpression,
		},
		Assets:     r.Assets,
		Areas:      r.Areas,
		Conditions: r.Conditions,
	}
}

// SubscriptionResponse represents a subscription in API responses.
type SubscriptionResponse struct {
	model.Subscription
	Status model.SubscriptionStatus `json:"status"`
}

// SubscriptionListResponse represents a paginated list of subscriptions.
type SubscriptionListResponse struct {
	Data       []SubscriptionResponse `json:"data"`
	Pagination *Pagination            `json:"pagination"`
}

// NameAvailableResponse answers the name availability check.
type NameAvailableResponse struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// ManualTriggerRequest is the optional body of POST /subscriptions/{id}/trigger.
type ManualTriggerRequest struct {
	AssetGUIDs []string   `json:"asset_guids,omitempty" validate:"omitempty,dive,required"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
}

// TriggerListResponse wraps trigger history.
type TriggerListResponse struct {
	Data []*model.Trigger `json:"data"`
}

// ToSubscriptionResponse converts a Subscription model to its DTO.
func ToSubscriptionResponse(sub *model.Subscription, now time.Time) SubscriptionResponse {
	return SubscriptionResponse{Subscription: *sub, Status: sub.Status(now)}
}

// ToSubscriptionListResponse converts a page of subscriptions.
func ToSubscriptionListResponse(subs []*model.Subscription, now time.Time, nextCursor string, hasMore bool) *SubscriptionListResponse {
	data := make([]SubscriptionResponse, len(subs))
	for i, sub := range subs {
		data[i] = ToSubscriptionResponse(sub, now)
	}
	return &SubscriptionListResponse{
		Data: data,
		Pagination: &Pagination{
			NextCursor: nextCursor,
			HasMore:    hasMore,
		},
	}
}
