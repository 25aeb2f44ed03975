package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/seawatch/subscriptions/internal/model"
)

// Endpoints of other operators are reported as not found by the handler;
// here the errors only mean "no such live row".
var (
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
)

const maxErrorLen = 500

const endpointColumns = `id, user_id, target_url, secret_hash, enabled, event_types,
	name, description, created_at, updated_at, deleted_at`

const deliveryColumns = `id, endpoint_id, event_id, event_type, payload_json,
	status, attempt_count, max_attempts, next_retry_at,
	last_attempt_at, last_http_status, last_error, created_at, updated_at`

// Repository stores endpoints and the delivery queue on database/sql.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *Repository) CreateEndpoint(ctx context.Context, e *model.WebhookEndpoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)`,
		e.ID, e.UserID, e.TargetURL, e.SecretHash, e.Enabled, eventTypeArray(e.EventTypes),
		e.Name, e.Description, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	return nil
}

// GetEndpoint returns a live (not soft-deleted) endpoint.
func (r *Repository) GetEndpoint(ctx context.Context, id string) (*model.WebhookEndpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1 AND deleted_at IS NULL`, id)
	e, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEndpointNotFound
	}
	return e, err
}

func (r *Repository) ListEndpointsByUser(ctx context.Context, userID string) ([]*model.WebhookEndpoint, error) {
	return r.queryEndpoints(ctx, `
		SELECT `+endpointColumns+` FROM webhook_endpoints
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC`, userID)
}

// ListActiveEndpointsByUserAndEvent returns the owner's enabled endpoints
// subscribed to eventType, oldest first.
func (r *Repository) ListActiveEndpointsByUserAndEvent(ctx context.Context, userID string, eventType model.EventType) ([]*model.WebhookEndpoint, error) {
	return r.queryEndpoints(ctx, `
		SELECT `+endpointColumns+` FROM webhook_endpoints
		WHERE user_id = $1 AND deleted_at IS NULL AND enabled AND $2 = ANY(event_types)
		ORDER BY created_at`, userID, string(eventType))
}

func (r *Repository) queryEndpoints(ctx context.Context, query string, args ...any) ([]*model.WebhookEndpoint, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook endpoints: %w", err)
	}
	defer rows.Close()

	var out []*model.WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateEndpoint(ctx context.Context, e *model.WebhookEndpoint) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET target_url = $2, enabled = $3, event_types = $4, name = $5, description = $6, updated_at = $7
		WHERE id = $1 AND deleted_at IS NULL`,
		e.ID, e.TargetURL, e.Enabled, eventTypeArray(e.EventTypes), e.Name, e.Description, r.now(),
	)
	return affectedOne(res, err, "update webhook endpoint", ErrEndpointNotFound)
}

func (r *Repository) UpdateEndpointSecret(ctx context.Context, id, secretHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_endpoints SET secret_hash = $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL`, id, secretHash, r.now())
	return affectedOne(res, err, "rotate webhook secret", ErrEndpointNotFound)
}

// DeleteEndpoint soft-deletes; queued deliveries stop being claimed and are
// exhausted by the worker if already in flight.
func (r *Repository) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_endpoints SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, r.now())
	return affectedOne(res, err, "delete webhook endpoint", ErrEndpointNotFound)
}

// CreateDelivery queues d. A second delivery for the same (event, endpoint)
// is silently dropped.
func (r *Repository) CreateDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (
			id, endpoint_id, event_id, event_type, payload_json, status,
			attempt_count, max_attempts, next_retry_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id, endpoint_id) DO NOTHING`,
		d.ID, d.EndpointID, d.EventID, string(d.EventType), d.PayloadJSON, string(d.Status),
		d.AttemptCount, d.MaxAttempts, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// ClaimPendingDeliveries leases up to limit due deliveries of live, enabled
// endpoints by pushing next_retry_at out by lease. Concurrent workers skip
// locked rows, so each delivery is attempted by one worker at a time.
func (r *Repository) ClaimPendingDeliveries(ctx context.Context, limit int, lease time.Duration) ([]*model.WebhookDelivery, error) {
	now := r.now().UTC()
	rows, err := r.db.QueryContext(ctx, `
		UPDATE webhook_deliveries d
		SET next_retry_at = $3, updated_at = $1
		FROM (
			SELECT dd.id
			FROM webhook_deliveries dd
			JOIN webhook_endpoints e ON e.id = dd.endpoint_id
			WHERE dd.status IN ('pending', 'failed')
			  AND dd.next_retry_at <= $1
			  AND e.deleted_at IS NULL AND e.enabled
			ORDER BY dd.next_retry_at
			LIMIT $2
			FOR UPDATE OF dd SKIP LOCKED
		) due
		WHERE d.id = due.id
		RETURNING d.id, d.endpoint_id, d.event_id, d.event_type, d.payload_json,
			d.status, d.attempt_count, d.max_attempts, d.next_retry_at,
			d.last_attempt_at, d.last_http_status, d.last_error, d.created_at, d.updated_at`,
		now, limit, now.Add(lease),
	)
	if err != nil {
		return nil, fmt.Errorf("claim webhook deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// Attempt is the recorded outcome of one delivery attempt.
type Attempt struct {
	Status     model.DeliveryStatus
	HTTPStatus *int
	Error      string
	// NextRetryAt is ignored for terminal statuses.
	NextRetryAt time.Time
}

// truncateError keeps at most maxErrorLen bytes of msg without splitting a rune.
func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return strings.ToValidUTF8(msg, "")
}

// RecordAttempt counts one attempt against the delivery and stores its outcome.
func (r *Repository) RecordAttempt(ctx context.Context, id string, a Attempt) error {
	var lastError sql.NullString
	if a.Error != "" {
		lastError = sql.NullString{String: truncateError(a.Error), Valid: true}
	}
	now := r.now()
	next := a.NextRetryAt
	if next.IsZero() {
		next = now
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = attempt_count + 1, last_attempt_at = $3,
			last_http_status = $4, last_error = $5, next_retry_at = $6, updated_at = $3
		WHERE id = $1`,
		id, string(a.Status), now, a.HTTPStatus, lastError, next,
	)
	return affectedOne(res, err, "record webhook attempt", ErrDeliveryNotFound)
}

// ListDeliveriesByEndpoint pages an endpoint's deliveries, newest first,
// optionally filtered by status. It also returns the filtered total.
func (r *Repository) ListDeliveriesByEndpoint(ctx context.Context, endpointID string, statuses []string, limit, offset int) ([]*model.WebhookDelivery, int, error) {
	const where = `WHERE endpoint_id = $1 AND (COALESCE(cardinality($2::text[]), 0) = 0 OR status = ANY($2))`
	filter := pq.Array(statuses)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries `+where, endpointID, filter).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook deliveries: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries `+where+`
		ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		endpointID, filter, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook deliveries: %w", err)
	}
	deliveries, err := collectDeliveries(rows)
	return deliveries, total, err
}

// ResetDeliveryForRetry re-queues an exhausted delivery of endpointID for
// exactly one more attempt.
func (r *Repository) ResetDeliveryForRetry(ctx context.Context, endpointID, deliveryID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'pending', max_attempts = attempt_count + 1, next_retry_at = $3, updated_at = $3
		WHERE id = $1 AND endpoint_id = $2 AND status = 'exhausted'`,
		deliveryID, endpointID, r.now(),
	)
	return affectedOne(res, err, "reset webhook delivery", ErrDeliveryNotFound)
}

// GetQueueDepth counts deliveries still waiting for an attempt.
func (r *Repository) GetQueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE status IN ('pending', 'failed')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count webhook queue: %w", err)
	}
	return n, nil
}

// PruneDeliveries deletes terminal deliveries last touched before cutoff.
func (r *Repository) PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries
		WHERE status IN ('success', 'exhausted') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune webhook deliveries: %w", err)
	}
	return res.RowsAffected()
}

func affectedOne(res sql.Result, err error, op string, notFound error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func eventTypeArray(types []model.EventType) any {
	out := make([]string, len(types))
	for i, et := range types {
		out[i] = string(et)
	}
	return pq.Array(out)
}

func scanEndpoint(s scanner) (*model.WebhookEndpoint, error) {
	var (
		e     model.WebhookEndpoint
		types []string
	)
	err := s.Scan(&e.ID, &e.UserID, &e.TargetURL, &e.SecretHash, &e.Enabled, pq.Array(&types),
		&e.Name, &e.Description, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook endpoint: %w", err)
	}
	e.EventTypes = make([]model.EventType, len(types))
	for i, t := range types {
		e.EventTypes[i] = model.EventType(t)
	}
	return &e, nil
}

func collectDeliveries(rows *sql.Rows) ([]*model.WebhookDelivery, error) {
	defer rows.Close()

	var out []*model.WebhookDelivery
	for rows.Next() {
		var (
			d                 model.WebhookDelivery
			eventType, status string
			lastError         sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.EndpointID, &d.EventID, &eventType, &d.PayloadJSON,
			&status, &d.AttemptCount, &d.MaxAttempts, &d.NextRetryAt,
			&d.LastAttemptAt, &d.LastHTTPStatus, &lastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		d.EventType = model.EventType(eventType)
		d.Status = model.DeliveryStatus(status)
		d.LastError = lastError.String
		out = append(out, &d)
	}
	return out, rows.Err()
}
