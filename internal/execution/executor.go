// Package execution runs triggers: it builds extracts, stores them, queues
// webhooks and sends notification emails.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/notify"
	"github.com/seawatch/subscriptions/internal/repository"
	"github.com/seawatch/subscriptions/internal/retry"
	"github.com/seawatch/subscriptions/internal/storage"
)

const (
	// DefaultPollInterval is how often due triggers are claimed.
	DefaultPollInterval = 5 * time.Second

	// DefaultBatchSize bounds triggers claimed per poll.
	DefaultBatchSize = 20

	// DefaultLease keeps a claimed trigger away from other workers.
	DefaultLease = 2 * time.Minute
)

// ErrSubscriptionGone marks triggers whose subscription was deleted before
// execution. Deactivation only stops new triggers: a run-once schedule
// deactivates its subscription in the same tick that queues its triggers.
var ErrSubscriptionGone = errors.New("subscription deleted")

// TriggerStore claims and settles triggers.
type TriggerStore interface {
	ClaimDueTriggers(ctx context.Context, limit int, lease time.Duration) ([]*model.Trigger, error)
	MarkTriggerDone(ctx context.Context, id string, extractKeys []string) error
	MarkTriggerFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time, exhausted bool) error
}

// SubscriptionGetter loads the subscription a trigger belongs to.
type SubscriptionGetter interface {
	GetSubscriptionByID(ctx context.Context, id string) (*model.Subscription, error)
}

// MovementSource returns the positions reported for a connect ID.
type MovementSource interface {
	MovementsByConnectID(ctx context.Context, connectID string, window model.OutputWindow) ([]model.Movement, error)
}

// AssetLookup fetches a single asset.
type AssetLookup interface {
	Asset(ctx context.Context, guid string) (*model.Asset, error)
}

// WebhookPublisher queues webhook deliveries for a trigger.
type WebhookPublisher interface {
	PublishTriggered(ctx context.Context, sub *model.Subscription, trigger *model.Trigger) error
}

// Deps groups the collaborators of a Worker. Store and Webhooks are optional.
type Deps struct {
	Triggers      TriggerStore
	Subscriptions SubscriptionGetter
	Movements     MovementSource
	Assets        AssetLookup
	Store         storage.Store
	Mailer        notify.Mailer
	Webhooks      WebhookPublisher
}

// Worker executes due triggers.
type Worker struct {
	deps      Deps
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time

	mu      sync.Mutex
	started bool
}

// NewWorker creates a trigger execution worker.
func NewWorker(deps Deps, interval time.Duration, batchSize int, logger *slog.Logger, recorder metrics.Recorder) *Worker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}

	return &Worker{
		deps:      deps,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With("component", "execution.worker"),
		metrics:   recorder,
		now:       time.Now,
	}
}

// Run polls for due triggers until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("trigger executor started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("trigger executor stopped")
			return nil
		case <-ticker.C:
			if err := w.processOnce(ctx); err != nil {
				w.logger.Error("failed to process triggers", "error", err)
			}
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) error {
	triggers, err := w.deps.Triggers.ClaimDueTriggers(ctx, w.batchSize, DefaultLease)
	if err != nil {
		return fmt.Errorf("claim triggers: %w", err)
	}

	for _, t := range triggers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.execute(ctx, t)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, t *model.Trigger) {
	start := w.now()
	defer func() {
		w.metrics.ObserveExecutionDuration(w.now().Sub(start))
	}()

	keys, err := w.run(ctx, t)
	if err == nil {
		if err := w.deps.Triggers.MarkTriggerDone(ctx, t.ID, keys); err != nil {
			w.logger.Error("failed to mark trigger done", "trigger_id", t.ID, "error", err)
			return
		}
		w.metrics.IncTriggerExecuted("done")
		w.logger.Info("trigger executed",
			"trigger_id", t.ID,
			"subscription_id", t.SubscriptionID,
			"extracts", len(keys),
		)
		return
	}

	attempts := t.AttemptCount + 1
	exhausted := errors.Is(err, ErrSubscriptionGone) || retry.Trigger.Exhausted(attempts, t.MaxAttempts)
	next := retry.Trigger.NextAt(w.now(), attempts)

	if markErr := w.deps.Triggers.MarkTriggerFailed(ctx, t.ID, err.Error(), next, exhausted); markErr != nil {
		w.logger.Error("failed to mark trigger failed", "trigger_id", t.ID, "error", markErr)
		return
	}

	if exhausted {
		w.metrics.IncTriggerExecuted("exhausted")
		w.logger.Warn("trigger exhausted",
			"trigger_id", t.ID,
			"subscription_id", t.SubscriptionID,
			"attempts", attempts,
			"error", err,
		)
		return
	}

	w.metrics.IncTriggerExecuted("failed")
	w.logger.Info("trigger scheduled for retry",
		"trigger_id", t.ID,
		"attempt", attempts,
		"next_attempt_at", next,
		"error", err,
	)
}

// run performs the side effects of one trigger and returns the stored
// extract keys. Webhook deliveries are idempotent per trigger, so they are
// queued before the email, which is not.
func (w *Worker) run(ctx context.Context, t *model.Trigger) ([]string, error) {
	sub, err := w.deps.Subscriptions.GetSubscriptionByID(ctx, t.SubscriptionID)
	if errors.Is(err, repository.ErrSubscriptionNotFound) {
		return nil, ErrSubscriptionGone
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub.DeletedAt != nil {
		return nil, ErrSubscriptionGone
	}

	attachments, err := w.buildAttachments(ctx, sub, t)
	if err != nil {
		return nil, err
	}

	var keys []string
	if w.deps.Store != nil {
		for _, a := range attachments {
			key := storage.ExtractKey(sub.ID, t.ID, a.Name)
			if err := w.deps.Store.Put(ctx, key, a.ContentType, a.Data); err != nil {
				return nil, fmt.Errorf("store extract: %w", err)
			}
			keys = append(keys, key)
		}
	}
	t.ExtractKeys = keys

	if w.deps.Webhooks != nil {
		if err := w.deps.Webhooks.PublishTriggered(ctx, sub, t); err != nil {
			return nil, fmt.Errorf("publish webhook: %w", err)
		}
	}

	if len(sub.Output.Emails) > 0 && w.deps.Mailer != nil {
		email := notify.Compose(sub, t, w.vessel(ctx, t), attachments)
		if err := w.deps.Mailer.Send(ctx, email); err != nil {
			w.metrics.IncEmailSent("failed")
			return nil, fmt.Errorf("send email: %w", err)
		}
		w.metrics.IncEmailSent("success")
	}

	return keys, nil
}

func (w *Worker) vessel(ctx context.Context, t *model.Trigger) *model.Asset {
	if w.deps.Assets == nil || t.AssetGUID == "" || t.AssetGUID == t.ConnectID {
		return nil
	}
	a, err := w.deps.Assets.Asset(ctx, t.AssetGUID)
	if err != nil {
		w.logger.Warn("vessel details unavailable", "asset_guid", t.AssetGUID, "error", err)
		return nil
	}
	return a
}
