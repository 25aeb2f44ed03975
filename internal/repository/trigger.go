package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/seawatch/subscriptions/internal/model"
)

// ErrTriggerNotFound is returned when a trigger does not exist.
var ErrTriggerNotFound = errors.New("trigger not found")

// DefaultClaimLease is how long a claimed trigger stays invisible to other workers.
const DefaultClaimLease = 5 * time.Minute

const triggerColumns = `id, subscription_id, event_id, asset_guid, connect_id, source, window_start, window_end,
	payload, status, attempt_count, max_attempts, next_attempt_at, last_error, extract_keys, created_at, updated_at`

// CreateTrigger stores a trigger. It reports false when a trigger for the
// same subscription, event and asset already exists.
func (r *Repository) CreateTrigger(ctx context.Context, t *model.Trigger) (bool, error) {
	query := `
		INSERT INTO triggers (
			id, subscription_id, event_id, asset_guid, connect_id, source, window_start, window_end,
			payload, status, attempt_count, max_attempts, next_attempt_at, extract_keys, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (subscription_id, event_id, asset_guid) DO NOTHING
	`

	result, err := r.pool.Exec(ctx, query,
		t.ID,
		t.SubscriptionID,
		t.EventID,
		t.AssetGUID,
		t.ConnectID,
		t.Source,
		t.Window.Start,
		t.Window.End,
		t.Payload,
		t.Status,
		t.AttemptCount,
		t.MaxAttempts,
		t.NextAttemptAt,
		pq.Array(nonNil(t.ExtractKeys)),
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create trigger: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// GetTriggerByID retrieves a trigger.
func (r *Repository) GetTriggerByID(ctx context.Context, id string) (*model.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE id = $1`

	t, err := scanTrigger(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTriggerNotFound
		}
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	return t, nil
}

// ListTriggersBySubscription returns the most recent triggers of a subscription.
func (r *Repository) ListTriggersBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*model.Trigger, error) {
	query := `SELECT ` + triggerColumns + `
		FROM triggers
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	triggers := make([]*model.Trigger, 0)
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}
	return triggers, nil
}

// ClaimDueTriggers leases up to limit due triggers to the caller. Claimed
// rows have next_attempt_at pushed out by lease so concurrent workers skip
// them until the attempt is recorded.
func (r *Repository) ClaimDueTriggers(ctx context.Context, limit int, lease time.Duration) ([]*model.Trigger, error) {
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	now := time.Now().UTC()

	query := `
		UPDATE triggers t
		SET next_attempt_at = $3, updated_at = $1
		FROM (
			SELECT id FROM triggers
			WHERE status IN ('pending', 'failed') AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) due
		WHERE t.id = due.id
		RETURNING t.id, t.subscription_id, t.event_id, t.asset_guid, t.connect_id, t.source,
			t.window_start, t.window_end, t.payload, t.status, t.attempt_count, t.max_attempts,
			t.next_attempt_at, t.last_error, t.extract_keys, t.created_at, t.updated_at
	`

	rows, err := r.pool.Query(ctx, query, now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("failed to claim triggers: %w", err)
	}
	defer rows.Close()

	triggers := make([]*model.Trigger, 0, limit)
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}
	return triggers, nil
}

// MarkTriggerDone records a successful execution.
func (r *Repository) MarkTriggerDone(ctx context.Context, id string, extractKeys []string) error {
	query := `
		UPDATE triggers
		SET status = 'done',
			attempt_count = attempt_count + 1,
			last_error = NULL,
			extract_keys = $2,
			updated_at = $3
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, pq.Array(nonNil(extractKeys)), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark trigger done: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

// MarkTriggerFailed records a failed attempt and schedules the next one.
func (r *Repository) MarkTriggerFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time, exhausted bool) error {
	status := model.TriggerStatusFailed
	if exhausted {
		status = model.TriggerStatusExhausted
	}

	errMsg = truncateError(errMsg, maxErrorLen)

	query := `
		UPDATE triggers
		SET status = $2,
			attempt_count = attempt_count + 1,
			last_error = $3,
			next_attempt_at = $4,
			updated_at = $5
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, status, errMsg, nextAttemptAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark trigger failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

// GetTriggerQueueDepth counts triggers waiting for execution.
func (r *Repository) GetTriggerQueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM triggers WHERE status IN ('pending', 'failed')`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count triggers: %w", err)
	}
	return depth, nil
}

func scanTrigger(row pgx.Row) (*model.Trigger, error) {
	var (
		t           model.Trigger
		lastError   *string
		extractKeys []string
	)

	err := row.Scan(
		&t.ID,
		&t.SubscriptionID,
		&t.EventID,
		&t.AssetGUID,
		&t.ConnectID,
		&t.Source,
		&t.Window.Start,
		&t.Window.End,
		&t.Payload,
		&t.Status,
		&t.AttemptCount,
		&t.MaxAttempts,
		&t.NextAttemptAt,
		&lastError,
		pq.Array(&extractKeys),
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError != nil {
		t.LastError = *lastError
	}
	t.ExtractKeys = extractKeys
	return &t, nil
}
