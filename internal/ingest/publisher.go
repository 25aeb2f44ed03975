// Package ingest queues inbound events on a Redis stream and evaluates them
// against subscriptions in the background.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
)

const (
	// StreamKey is the Redis stream for inbound events.
	StreamKey = "stream:inbound_events"

	// DeadLetterStreamKey is the Redis stream for poison messages.
	DeadLetterStreamKey = "stream:inbound_events:dlq"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000

	// PublishTimeout is the max time to wait for Redis publish.
	PublishTimeout = 500 * time.Millisecond
)

// Publisher enqueues inbound events to the Redis stream.
type Publisher struct {
	redis   *redis.Client
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewPublisher creates a new inbound event publisher.
func NewPublisher(client *redis.Client, logger *slog.Logger, recorder metrics.Recorder) *Publisher {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Publisher{
		redis:   client,
		logger:  logger.With("component", "ingest.publisher"),
		metrics: recorder,
	}
}

// Publish adds an event to the stream and returns its stream ID. The event
// must already be valid.
func (p *Publisher) Publish(ctx context.Context, event *model.Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	streamID, err := p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: MaxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{
			"payload": string(data),
		},
	}).Result()
	if err != nil {
		p.metrics.IncIngestEventPublished("dropped")
		p.logger.Warn("failed to publish event",
			"event_id", event.ID,
			"error", err,
		)
		return "", fmt.Errorf("xadd: %w", err)
	}

	p.metrics.IncIngestEventPublished("success")
	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"stream_id", streamID,
	)
	return streamID, nil
}
