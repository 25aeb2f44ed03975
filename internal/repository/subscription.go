package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/seawatch/subscriptions/internal/model"
)

// Common errors for subscription repository operations.
var (
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrSubscriptionNameExists = errors.New("subscription name already exists")
)

// SubscriptionFilter defines filters for listing subscriptions.
// ViewerID sees their own subscriptions plus every PUBLIC one.
type SubscriptionFilter struct {
	ViewerID    string
	Name        string
	Active      *bool
	TriggerType model.TriggerType
	MessageType model.MessageType
	AssetGUID   string
}

const subscriptionColumns = `id, owner_id, name, description, active, accessibility, start_date, end_date,
	output, execution, next_scheduled_execution, assets, areas, conditions, created_at, updated_at, deleted_at`

// subscriptionRow holds the encoded JSONB columns of a subscription.
type subscriptionRow struct {
	output     []byte
	execution  []byte
	assets     []byte
	areas      []byte
	conditions []byte
	assetGUIDs []string
}

func encodeSubscription(s *model.Subscription) (*subscriptionRow, error) {
	exec := s.Execution
	exec.NextScheduledExecution = nil

	var (
		row subscriptionRow
		err error
	)
	if row.output, err = json.Marshal(s.Output); err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	if row.execution, err = json.Marshal(exec); err != nil {
		return nil, fmt.Errorf("encode execution: %w", err)
	}
	if row.assets, err = json.Marshal(nonNil(s.Assets)); err != nil {
		return nil, fmt.Errorf("encode assets: %w", err)
	}
	if row.areas, err = json.Marshal(nonNil(s.Areas)); err != nil {
		return nil, fmt.Errorf("encode areas: %w", err)
	}
	if row.conditions, err = json.Marshal(nonNil(s.Conditions)); err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}

	row.assetGUIDs = make([]string, 0, len(s.Assets))
	for _, a := range s.Assets {
		row.assetGUIDs = append(row.assetGUIDs, a.GUID)
	}
	return &row, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// CreateSubscription inserts a new subscription.
func (r *Repository) CreateSubscription(ctx context.Context, s *model.Subscription) error {
	row, err := encodeSubscription(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions (
			id, owner_id, name, description, active, accessibility, start_date, end_date,
			trigger_type, message_type, output, execution, next_scheduled_execution,
			assets, asset_guids, areas, conditions, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err = r.pool.Exec(ctx, query,
		s.ID,
		s.OwnerID,
		s.Name,
		s.Description,
		s.Active,
		s.Accessibility,
		s.StartDate,
		s.EndDate,
		s.Execution.TriggerType,
		s.Output.MessageType,
		row.output,
		row.execution,
		s.Execution.NextScheduledExecution,
		row.assets,
		pq.Array(row.assetGUIDs),
		row.areas,
		row.conditions,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSubscriptionNameExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// GetSubscriptionByID retrieves a live subscription by ID.
func (r *Repository) GetSubscriptionByID(ctx context.Context, id string) (*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE id = $1 AND deleted_at IS NULL
	`

	s, err := scanSubscription(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return s, nil
}

// ListSubscriptions retrieves a page of subscriptions visible to the viewer.
func (r *Repository) ListSubscriptions(ctx context.Context, filter SubscriptionFilter, cursor string, limit int) ([]*model.Subscription, string, error) {
	var cursorData *PaginationCursor
	if cursor != "" {
		var err error
		cursorData, err = decodeCursor(cursor)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
	}

	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE deleted_at IS NULL
		  AND (owner_id = $1 OR accessibility = 'PUBLIC')
	`
	args := []any{filter.ViewerID}
	argIndex := 2

	if cursorData != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIndex, argIndex+1)
		args = append(args, cursorData.CreatedAt, cursorData.ID)
		argIndex += 2
	}
	if filter.Name != "" {
		query += fmt.Sprintf(" AND name ILIKE '%%' || $%d || '%%'", argIndex)
		args = append(args, filter.Name)
		argIndex++
	}
	if filter.Active != nil {
		query += fmt.Sprintf(" AND active = $%d", argIndex)
		args = append(args, *filter.Active)
		argIndex++
	}
	if filter.TriggerType != "" {
		query += fmt.Sprintf(" AND trigger_type = $%d", argIndex)
		args = append(args, filter.TriggerType)
		argIndex++
	}
	if filter.MessageType != "" {
		query += fmt.Sprintf(" AND message_type = $%d", argIndex)
		args = append(args, filter.MessageType)
		argIndex++
	}
	if filter.AssetGUID != "" {
		query += fmt.Sprintf(" AND $%d = ANY(asset_guids)", argIndex)
		args = append(args, filter.AssetGUID)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, limit+1) // Fetch one extra to determine hasMore

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("error iterating subscriptions: %w", err)
	}

	var nextCursor string
	if len(subs) > limit {
		subs = subs[:limit]
		last := subs[len(subs)-1]
		nextCursor = encodeCursor(&PaginationCursor{ID: last.ID, CreatedAt: last.CreatedAt})
	}

	return subs, nextCursor, nil
}

// UpdateSubscription replaces the mutable fields of a subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, s *model.Subscription) error {
	row, err := encodeSubscription(s)
	if err != nil {
		return err
	}

	query := `
		UPDATE subscriptions
		SET name = $2, description = $3, active = $4, accessibility = $5,
			start_date = $6, end_date = $7, trigger_type = $8, message_type = $9,
			output = $10, execution = $11, next_scheduled_execution = $12,
			assets = $13, asset_guids = $14, areas = $15, conditions = $16, updated_at = $17
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query,
		s.ID,
		s.Name,
		s.Description,
		s.Active,
		s.Accessibility,
		s.StartDate,
		s.EndDate,
		s.Execution.TriggerType,
		s.Output.MessageType,
		row.output,
		row.execution,
		s.Execution.NextScheduledExecution,
		row.assets,
		pq.Array(row.assetGUIDs),
		row.areas,
		row.conditions,
		s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSubscriptionNameExists
		}
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetSubscriptionActive toggles the active flag.
func (r *Repository) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE subscriptions
		SET active = $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set subscription active: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// DeleteSubscription soft-deletes a subscription.
func (r *Repository) DeleteSubscription(ctx context.Context, id string) error {
	query := `
		UPDATE subscriptions
		SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SubscriptionNameExists reports whether the owner already uses name,
// ignoring case and the subscription excludeID.
func (r *Repository) SubscriptionNameExists(ctx context.Context, ownerID, name, excludeID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM subscriptions
			WHERE owner_id = $1 AND lower(name) = lower($2) AND id <> $3 AND deleted_at IS NULL
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, ownerID, name, excludeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check subscription name: %w", err)
	}
	return exists, nil
}

// ListActiveByTriggerType returns every active subscription for a trigger type.
func (r *Repository) ListActiveByTriggerType(ctx context.Context, tt model.TriggerType) ([]model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE trigger_type = $1 AND active AND deleted_at IS NULL
		ORDER BY created_at, id
	`
	return r.querySubscriptions(ctx, query, tt)
}

// ListDueScheduled returns active scheduled subscriptions due at now.
func (r *Repository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE trigger_type = 'SCHEDULER' AND active AND deleted_at IS NULL
		  AND next_scheduled_execution IS NOT NULL
		  AND next_scheduled_execution <= $1
		ORDER BY next_scheduled_execution
		LIMIT $2
	`
	return r.querySubscriptions(ctx, query, now, limit)
}

// AdvanceSchedule sets the next execution time. A nil next deactivates the
// subscription.
func (r *Repository) AdvanceSchedule(ctx context.Context, id string, next *time.Time) error {
	query := `
		UPDATE subscriptions
		SET next_scheduled_execution = $2, active = ($2::timestamptz IS NOT NULL), updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, next, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *Repository) querySubscriptions(ctx context.Context, query string, args ...any) ([]model.Subscription, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]model.Subscription, 0)
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var (
		s    model.Subscription
		next *time.Time
		enc  subscriptionRow
	)

	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.Name,
		&s.Description,
		&s.Active,
		&s.Accessibility,
		&s.StartDate,
		&s.EndDate,
		&enc.output,
		&enc.execution,
		&next,
		&enc.assets,
		&enc.areas,
		&enc.conditions,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(enc.output, &s.Output); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if err := json.Unmarshal(enc.execution, &s.Execution); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	if err := json.Unmarshal(enc.assets, &s.Assets); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	if err := json.Unmarshal(enc.areas, &s.Areas); err != nil {
		return nil, fmt.Errorf("decode areas: %w", err)
	}
	if err := json.Unmarshal(enc.conditions, &s.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	s.Execution.NextScheduledExecution = next

	return &s, nil
}
