package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/retry"
)

// DeliveryStore is the part of Repository the publisher uses.
type DeliveryStore interface {
	GetEndpoint(ctx context.Context, id string) (*model.WebhookEndpoint, error)
	ListActiveEndpointsByUserAndEvent(ctx context.Context, userID string, eventType model.EventType) ([]*model.WebhookEndpoint, error)
	CreateDelivery(ctx context.Context, delivery *model.WebhookDelivery) error
}

// Publisher creates webhook delivery records when subscriptions fire.
type Publisher struct {
	repo   DeliveryStore
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a new webhook publisher.
func NewPublisher(repo DeliveryStore, logger *slog.Logger) *Publisher {
	return &Publisher{
		repo:   repo,
		logger: logger.With("component", "webhook.publisher"),
		now:    time.Now,
	}
}

// PublishTriggered queues a subscription.triggered delivery to the endpoint
// named by the subscription output. The endpoint must belong to the
// subscription owner and be subscribed to the event. Once extracts exist, an
// extract.ready delivery fans out to every active endpoint of the owner
// subscribed to it.
func (p *Publisher) PublishTriggered(ctx context.Context, sub *model.Subscription, trigger *model.Trigger) error {
	data := model.TriggeredEventData{
		SubscriptionID:   sub.ID,
		SubscriptionName: sub.Name,
		TriggerID:        trigger.ID,
		Source:           trigger.Source,
		AssetGUID:        trigger.AssetGUID,
		Window:           trigger.Window,
		ExtractKeys:      trigger.ExtractKeys,
	}

	if endpointID := sub.Output.WebhookEndpointID; endpointID != "" {
		endpoint, err := p.repo.GetEndpoint(ctx, endpointID)
		switch {
		case errors.Is(err, ErrEndpointNotFound):
			p.logger.Warn("subscription references a missing webhook endpoint",
				"subscription_id", sub.ID,
				"endpoint_id", endpointID,
			)
		case err != nil:
			return fmt.Errorf("get endpoint: %w", err)
		case endpoint.UserID != sub.OwnerID || !endpoint.Accepts(model.EventTypeSubscriptionTriggered):
			p.logger.Warn("webhook endpoint cannot receive this subscription",
				"subscription_id", sub.ID,
				"endpoint_id", endpointID,
			)
		default:
			if err := p.enqueue(ctx, endpoint, model.EventTypeSubscriptionTriggered, trigger.ID, data); err != nil {
				return err
			}
		}
	}

	if len(trigger.ExtractKeys) == 0 {
		return nil
	}

	endpoints, err := p.repo.ListActiveEndpointsByUserAndEvent(ctx, sub.OwnerID, model.EventTypeExtractReady)
	if err != nil {
		return fmt.Errorf("list active endpoints: %w", err)
	}
	for _, endpoint := range endpoints {
		if err := p.enqueue(ctx, endpoint, model.EventTypeExtractReady, trigger.ID+":extract", data); err != nil {
			p.logger.Warn("failed to create delivery",
				"endpoint_id", endpoint.ID,
				"trigger_id", trigger.ID,
				"error", err,
			)
		}
	}

	return nil
}

func (p *Publisher) enqueue(ctx context.Context, endpoint *model.WebhookEndpoint, eventType model.EventType, eventID string, data model.TriggeredEventData) error {
	now := p.now().UTC()

	payloadJSON, err := json.Marshal(model.WebhookPayload{
		EventType: string(eventType),
		EventID:   eventID,
		Timestamp: now,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	delivery := &model.WebhookDelivery{
		ID:          ulid.Make().String(),
		EndpointID:  endpoint.ID,
		EventID:     eventID,
		EventType:   eventType,
		PayloadJSON: string(payloadJSON),
		Status:      model.DeliveryStatusPending,
		MaxAttempts: retry.Webhook.MaxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := p.repo.CreateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}

	p.logger.Debug("webhook delivery created",
		"delivery_id", delivery.ID,
		"endpoint_id", endpoint.ID,
		"event_type", eventType,
		"event_id", eventID,
	)
	return nil
}
