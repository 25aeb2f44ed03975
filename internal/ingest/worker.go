package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/seawatch/subscriptions/internal/matcher"
	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
)

// ConsumerGroup is shared by every API instance; each instance is one
// consumer in it.
const ConsumerGroup = "subscription_matchers"

const (
	DefaultBatchSize    = 100
	DefaultEvalAttempts = 3

	deadLetterMaxLen = 10_000
	errorPause       = time.Second
)

// Evaluator matches an event against subscriptions and stores triggers.
type Evaluator interface {
	Evaluate(ctx context.Context, event *model.Event) (*matcher.Result, error)
}

// WorkerConfig tunes the stream consumer. Zero values take defaults.
type WorkerConfig struct {
	ConsumerID string
	BatchSize  int
	// Block bounds one XREADGROUP wait.
	Block time.Duration
	// EvalAttempts is how often one event is evaluated before it is left
	// pending for a later reclaim.
	EvalAttempts int
	RetryBase    time.Duration
	// Messages pending longer than ClaimIdle on a dead consumer are taken
	// over, checked every ClaimEvery.
	ClaimEvery time.Duration
	ClaimIdle  time.Duration
	DepthEvery time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.ConsumerID == "" {
		c.ConsumerID = NewConsumerID()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.EvalAttempts <= 0 {
		c.EvalAttempts = DefaultEvalAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.ClaimEvery <= 0 {
		c.ClaimEvery = 10 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.DepthEvery <= 0 {
		c.DepthEvery = 5 * time.Second
	}
	return c
}

// Worker consumes the event stream and evaluates each event. Messages are
// acknowledged only once evaluated or dead-lettered.
type Worker struct {
	redis   *redis.Client
	eval    Evaluator
	cfg     WorkerConfig
	logger  *slog.Logger
	metrics metrics.Recorder

	claimCursor string
	lastClaim   time.Time
	lastDepth   time.Time

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

func NewWorker(client *redis.Client, eval Evaluator, cfg WorkerConfig, logger *slog.Logger, recorder metrics.Recorder) *Worker {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		redis:       client,
		eval:        eval,
		cfg:         cfg,
		logger:      logger.With("component", "ingest.worker", "consumer_id", cfg.ConsumerID),
		metrics:     recorder,
		claimCursor: "0-0",
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Run consumes until ctx is cancelled or Shutdown is called.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("ingest worker already running")
	}
	defer close(w.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := w.ensureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	w.logger.Info("ingest worker started", "batch_size", w.cfg.BatchSize)

	for ctx.Err() == nil {
		err := w.processOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		w.logger.Error("ingest batch failed", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(errorPause):
		}
	}
	w.logger.Info("ingest worker stopped")
	return nil
}

// Shutdown interrupts the current batch, acknowledges what it finished and
// waits for Run to return. It fits server.ShutdownFunc.
func (w *Worker) Shutdown(ctx context.Context) error {
	if !w.running.Load() {
		return nil
	}
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		w.logger.Warn("ingest worker did not stop in time")
		return ctx.Err()
	}
}

func (w *Worker) ensureConsumerGroup(ctx context.Context) error {
	err := w.redis.XGroupCreateMkStream(ctx, StreamKey, ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// processOnce handles one batch: reclaimed messages if any are due,
// otherwise new ones. Events that keep failing are not acknowledged and come
// back through the reclaim.
func (w *Worker) processOnce(ctx context.Context) error {
	w.refreshDepth(ctx)

	batch, err := w.reclaim(ctx)
	if err != nil {
		w.logger.Warn("reclaim of pending events failed", "error", err)
	}
	if len(batch) == 0 {
		if batch, err = w.read(ctx); err != nil {
			return err
		}
	}
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	done := make([]string, 0, len(batch))
	failed := 0
	for _, msg := range batch {
		event, derr := decodeMessage(msg)
		if derr != nil {
			w.deadLetter(ctx, msg, derr)
			done = append(done, msg.ID)
			continue
		}

		err := w.evaluate(ctx, event)
		if errors.Is(err, context.Canceled) {
			break
		}
		if err != nil {
			failed++
			w.metrics.IncIngestEventProcessed("failed")
			w.logger.Error("event left pending after failed evaluation",
				"event_id", event.ID,
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		w.metrics.IncIngestEventProcessed("success")
		if at, ok := enqueuedAt(msg.ID); ok {
			w.metrics.ObserveIngestLag(time.Since(at))
		}
		done = append(done, msg.ID)
	}

	elapsed := time.Since(start)
	w.metrics.ObserveIngestBatchSize(len(batch))
	w.metrics.ObserveIngestBatchDuration(elapsed)
	w.logger.Info("ingest batch done",
		"events", len(batch),
		"failed", failed,
		"duration_ms", elapsed.Milliseconds(),
	)
	return w.ack(context.WithoutCancel(ctx), done)
}

func (w *Worker) evaluate(ctx context.Context, event *model.Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.RetryBase
	policy.MaxElapsedTime = 0
	retries := backoff.WithMaxRetries(policy, uint64(w.cfg.EvalAttempts-1))

	var result *matcher.Result
	err := backoff.RetryNotify(func() error {
		var err error
		result, err = w.eval.Evaluate(ctx, event)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(retries, ctx), func(err error, next time.Duration) {
		w.logger.Warn("event evaluation failed, retrying",
			"event_id", event.ID,
			"retry_in_ms", next.Milliseconds(),
			"error", err,
		)
	})
	if err != nil {
		return err
	}
	w.logger.Debug("event evaluated",
		"event_id", event.ID,
		"matched", len(result.Matched),
		"triggers", len(result.Triggers),
	)
	return nil
}

// reclaim takes over messages idle on other consumers, at most once per
// ClaimEvery. The XAUTOCLAIM cursor carries over between calls.
func (w *Worker) reclaim(ctx context.Context) ([]redis.XMessage, error) {
	if time.Since(w.lastClaim) < w.cfg.ClaimEvery {
		return nil, nil
	}
	w.lastClaim = time.Now()

	msgs, next, err := w.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey,
		Group:    ConsumerGroup,
		Consumer: w.cfg.ConsumerID,
		MinIdle:  w.cfg.ClaimIdle,
		Start:    w.claimCursor,
		Count:    int64(w.cfg.BatchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if next != "" {
		w.claimCursor = next
	}
	return msgs, nil
}

func (w *Worker) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: w.cfg.ConsumerID,
		Streams:  []string{StreamKey, ">"},
		Count:    int64(w.cfg.BatchSize),
		Block:    w.cfg.Block,
	}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("xreadgroup: %w", err)
	case len(streams) == 0:
		return nil, nil
	}
	return streams[0].Messages, nil
}

// refreshDepth publishes pending plus unread messages of the group.
func (w *Worker) refreshDepth(ctx context.Context) {
	if time.Since(w.lastDepth) < w.cfg.DepthEvery {
		return
	}
	w.lastDepth = time.Now()

	groups, err := w.redis.XInfoGroups(ctx, StreamKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			w.logger.Warn("failed to read consumer group info", "error", err)
		}
		return
	}
	for _, g := range groups {
		if g.Name == ConsumerGroup {
			w.metrics.SetIngestQueueDepth(g.Pending + g.Lag)
			return
		}
	}
}

// deadLetter parks a message that can never be evaluated.
func (w *Worker) deadLetter(ctx context.Context, msg redis.XMessage, cause *decodeError) {
	w.logger.Warn("dead-lettering undecodable event",
		"message_id", msg.ID,
		"reason", cause.reason,
		"detail", cause.detail,
	)
	err := w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStreamKey,
		MaxLen: deadLetterMaxLen,
		Approx: true,
		Values: map[string]any{
			"original_id":      msg.ID,
			"original_stream":  StreamKey,
			"reason":           cause.reason,
			"detail":           cause.detail,
			"payload":          msg.Values["payload"],
			"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		w.logger.Error("failed to write dead letter", "message_id", msg.ID, "error", err)
	}
	w.metrics.IncIngestEventProcessed("dead_lettered")
}

func (w *Worker) ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := w.redis.XAck(ctx, StreamKey, ConsumerGroup, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}
