package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seawatch/subscriptions/internal/matcher"
	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
)

const (
	// DefaultInterval is the time between schedule checks.
	DefaultInterval = time.Minute
	// DefaultBatchSize is the number of due subscriptions handled per tick.
	DefaultBatchSize = 100
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error)
	AdvanceSchedule(ctx context.Context, id string, next *time.Time) error
	CreateTrigger(ctx context.Context, t *model.Trigger) (bool, error)
}

// Worker fires due SCHEDULER subscriptions.
type Worker struct {
	store     Store
	assets    matcher.AssetResolver
	areas     matcher.AreaFilter
	logger    *slog.Logger
	metrics   metrics.Recorder
	interval  time.Duration
	batchSize int
	now       func() time.Time
	started   bool
}

// NewWorker creates a new scheduler worker.
func NewWorker(store Store, assets matcher.AssetResolver, areas matcher.AreaFilter, interval time.Duration, logger *slog.Logger, recorder metrics.Recorder) *Worker {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		store:     store,
		assets:    assets,
		areas:     areas,
		logger:    logger.With("component", "scheduler"),
		metrics:   recorder,
		interval:  interval,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// Run starts the worker loop. Blocks until context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.started {
		return errors.New("worker already started")
	}
	w.started = true

	w.logger.Info("scheduler started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.processOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Error("process error", "error", err)
			}
		}
	}
}

// processOnce fires every subscription due at the current time.
func (w *Worker) processOnce(ctx context.Context) error {
	now := w.now().UTC()

	due, err := w.store.ListDueScheduled(ctx, now, w.batchSize)
	if err != nil {
		return fmt.Errorf("list due subscriptions: %w", err)
	}

	for i := range due {
		sub := &due[i]
		if err := w.fire(ctx, sub, now); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			w.metrics.IncSchedulerRun("failed")
			w.logger.Warn("scheduled run failed",
				"subscription_id", sub.ID,
				"error", err,
			)
			continue
		}
		w.metrics.IncSchedulerRun("success")
	}

	return nil
}

// fire creates the triggers of one scheduled run and advances the schedule.
// Failed runs keep their schedule so the next tick retries them.
func (w *Worker) fire(ctx context.Context, sub *model.Subscription, now time.Time) error {
	scheduled := now
	if sub.Execution.NextScheduledExecution != nil {
		scheduled = sub.Execution.NextScheduledExecution.UTC()
	}

	created := 0
	if sub.IsActiveAt(now) {
		window := sub.OutputWindowEndingAt(now)
		selected, err := matcher.SelectAssets(ctx, w.assets, w.areas, sub, window)
		if err != nil {
			return err
		}

		eventID := fmt.Sprintf("schedule:%s:%d", sub.ID, scheduled.Unix())
		for _, a := range selected {
			t := matcher.NewTrigger(sub, model.TriggerScheduler, eventID, a, window, nil, now)
			ok, err := w.store.CreateTrigger(ctx, t)
			if err != nil {
				return fmt.Errorf("create trigger: %w", err)
			}
			if ok {
				created++
				w.metrics.IncTriggerCreated(string(model.TriggerScheduler))
			}
		}
	}

	next, err := NextAfter(scheduled, now, sub.Execution.Frequency, sub.Execution.TimeExpression)
	if err != nil {
		return fmt.Errorf("next execution: %w", err)
	}
	if sub.EndDate != nil && next != nil && next.After(*sub.EndDate) {
		next = nil
	}
	if err := w.store.AdvanceSchedule(ctx, sub.ID, next); err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}

	w.logger.Info("scheduled run completed",
		"subscription_id", sub.ID,
		"triggers", created,
		"next", next,
	)
	return nil
}
