package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/retry"
)

// Queue is the delivery storage the worker drives. *Repository implements it.
type Queue interface {
	ClaimPendingDeliveries(ctx context.Context, limit int, lease time.Duration) ([]*model.WebhookDelivery, error)
	GetEndpoint(ctx context.Context, id string) (*model.WebhookEndpoint, error)
	RecordAttempt(ctx context.Context, id string, a Attempt) error
	GetQueueDepth(ctx context.Context) (int64, error)
	PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkerConfig tunes the delivery worker. Zero values take the defaults.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	Concurrency  int
	Timeout      time.Duration
	// Retention is how long terminal deliveries are kept. Zero keeps them.
	Retention time.Duration
	// AllowInsecure lets the dialer reach loopback and private addresses.
	AllowInsecure bool
}

const (
	defaultBatchSize    = 50
	defaultPollInterval = 5 * time.Second
	defaultConcurrency  = 4
	defaultTimeout      = 30 * time.Second

	// deliveryLease must outlast one attempt, including the client timeout.
	deliveryLease   = 2 * time.Minute
	depthInterval   = 10 * time.Second
	pruneInterval   = time.Hour
	responseSnippet = 1 << 10
)

// Worker claims due deliveries and POSTs them to their endpoints.
type Worker struct {
	queue   Queue
	client  *http.Client
	cfg     WorkerConfig
	logger  *slog.Logger
	metrics metrics.Recorder
	now     func() time.Time

	lastDepth time.Time
	lastPrune time.Time
}

func NewWorker(queue Queue, cfg WorkerConfig, logger *slog.Logger, recorder metrics.Recorder) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Worker{
		queue:   queue,
		client:  newDeliveryClient(cfg.Timeout, cfg.AllowInsecure),
		cfg:     cfg,
		logger:  logger.With("component", "webhook.worker"),
		metrics: recorder,
		now:     time.Now,
	}
}

// Run polls until ctx is cancelled. Cancellation is a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("webhook worker started",
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
	)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("webhook worker stopped")
			return nil
		case <-ticker.C:
			w.housekeeping(ctx)
			if _, err := w.processOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("webhook batch failed", "error", err)
			}
		}
	}
}

// processOnce claims one batch and attempts it with bounded parallelism.
// It returns the number of deliveries attempted.
func (w *Worker) processOnce(ctx context.Context) (int, error) {
	batch, err := w.queue.ClaimPendingDeliveries(ctx, w.cfg.BatchSize, deliveryLease)
	if err != nil {
		return 0, fmt.Errorf("claim deliveries: %w", err)
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, d := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			if err := w.deliver(ctx, d); err != nil {
				w.logger.Warn("could not record delivery attempt", "delivery_id", d.ID, "error", err)
			}
		}()
	}
	wg.Wait()
	return len(batch), nil
}

// deliver makes one attempt and records its outcome. The returned error is
// about recording, not about the receiver.
func (w *Worker) deliver(ctx context.Context, d *model.WebhookDelivery) error {
	endpoint, err := w.queue.GetEndpoint(ctx, d.EndpointID)
	switch {
	case errors.Is(err, ErrEndpointNotFound):
		return w.giveUp(ctx, d, "endpoint deleted")
	case err != nil:
		return err
	case !endpoint.IsActive():
		return w.giveUp(ctx, d, "endpoint disabled")
	}

	req, err := newDeliveryRequest(ctx, endpoint, d, w.now())
	if err != nil {
		return w.giveUp(ctx, d, err.Error())
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	elapsed := time.Since(start)
	w.metrics.ObserveWebhookDeliveryDuration(elapsed)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the lease expires and another pass retries.
			return nil
		}
		return w.failed(ctx, d, nil, err.Error())
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, responseSnippet))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return w.failed(ctx, d, &resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	w.logger.Info("webhook delivered",
		"delivery_id", d.ID,
		"event_type", d.EventType,
		"target_host", targetHost(endpoint.TargetURL),
		"http_status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	w.metrics.IncWebhookDelivery(string(model.DeliveryStatusSuccess))
	return w.queue.RecordAttempt(ctx, d.ID, Attempt{Status: model.DeliveryStatusSuccess, HTTPStatus: &resp.StatusCode})
}

func (w *Worker) failed(ctx context.Context, d *model.WebhookDelivery, httpStatus *int, reason string) error {
	attempt := d.AttemptCount + 1
	status := model.DeliveryStatusFailed
	if retry.Webhook.Exhausted(attempt, d.MaxAttempts) {
		status = model.DeliveryStatusExhausted
	}

	w.logger.Warn("webhook delivery failed",
		"delivery_id", d.ID,
		"attempt", attempt,
		"status", status,
		"error", reason,
	)
	w.metrics.IncWebhookDelivery(string(status))
	w.metrics.IncWebhookRetry(attempt)

	return w.queue.RecordAttempt(ctx, d.ID, Attempt{
		Status:      status,
		HTTPStatus:  httpStatus,
		Error:       reason,
		NextRetryAt: retry.Webhook.NextAt(w.now(), attempt),
	})
}

func (w *Worker) giveUp(ctx context.Context, d *model.WebhookDelivery, reason string) error {
	w.logger.Info("webhook delivery dropped", "delivery_id", d.ID, "reason", reason)
	w.metrics.IncWebhookDelivery(string(model.DeliveryStatusExhausted))
	return w.queue.RecordAttempt(ctx, d.ID, Attempt{Status: model.DeliveryStatusExhausted, Error: reason})
}

// housekeeping refreshes the queue depth gauge and prunes old deliveries,
// each on its own interval.
func (w *Worker) housekeeping(ctx context.Context) {
	now := w.now()
	if now.Sub(w.lastDepth) >= depthInterval {
		w.lastDepth = now
		if depth, err := w.queue.GetQueueDepth(ctx); err != nil {
			w.logger.Warn("failed to read webhook queue depth", "error", err)
		} else {
			w.metrics.SetWebhookQueueDepth(depth)
		}
	}

	if w.cfg.Retention > 0 && now.Sub(w.lastPrune) >= pruneInterval {
		w.lastPrune = now
		n, err := w.queue.PruneDeliveries(ctx, now.Add(-w.cfg.Retention))
		if err != nil {
			w.logger.Warn("failed to prune webhook deliveries", "error", err)
		} else if n > 0 {
			w.logger.Info("pruned webhook deliveries", "deleted", n)
		}
	}
}
