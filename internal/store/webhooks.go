package store

import (
	"context"
	"fmt"
	"time"

	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/jackc/pgx/v5"
)

// WebhookRepo persists outbound subscriptions and their delivery records.
type WebhookRepo struct {
	db Querier
}

const webhookColumns = `id, org_id, url, secret_encrypted, events, headers, status,
	retry_policy, success_count, failure_count, last_delivery_at, created_at, updated_at, deleted_at`

func scanWebhook(row pgx.Row) (*models.Webhook, error) {
	var w models.Webhook
	var events, headers, policy []byte
	err := row.Scan(&w.ID, &w.OrgID, &w.URL, &w.SecretEncrypted, &events, &headers,
		&w.Status, &policy, &w.SuccessCount, &w.FailureCount, &w.LastDeliveryAt,
		&w.CreatedAt, &w.UpdatedAt, &w.DeletedAt)
	if err != nil {
		return nil, err
	}
	w.Events = unmarshalJSON[[]string](events)
	w.Headers = unmarshalJSON[map[string]string](headers)
	w.RetryPolicy = unmarshalJSON[models.RetryPolicy](policy)
	if w.RetryPolicy.MaxRetries == 0 && w.RetryPolicy.InitialDelay == 0 {
		w.RetryPolicy = models.DefaultRetryPolicy()
	}
	return &w, nil
}

// Create inserts a webhook subscription.
func (r *WebhookRepo) Create(ctx context.Context, scope OrgScope, w *models.Webhook) error {
	if !scope.Contains(w.OrgID) {
		return httperr.NotFound("organization")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO webhooks (id, org_id, url, secret_encrypted, events, headers, status,
			retry_policy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		w.ID, w.OrgID, w.URL, w.SecretEncrypted, marshalJSON(w.Events),
		marshalJSON(w.Headers), w.Status, marshalJSON(w.RetryPolicy), w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// Get returns a scoped webhook.
func (r *WebhookRepo) Get(ctx context.Context, scope OrgScope, id string) (*models.Webhook, error) {
	args := []any{id}
	q := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	w, err := scanWebhook(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("webhook")
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

// List returns scoped webhooks.
func (r *WebhookRepo) List(ctx context.Context, scope OrgScope, orgID string, page Page) ([]*models.Webhook, error) {
	args := []any{page.Cursor, page.Bound()}
	q := `SELECT ` + webhookColumns + ` FROM webhooks WHERE deleted_at IS NULL AND id > $1`
	if orgID != "" {
		args = append(args, orgID)
		q += ` AND org_id = $3`
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY id LIMIT $2`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ActiveSubscribers returns the active webhooks in an org whose event filter
// matches eventType. Fanout runs unscoped; the org comes from the event.
func (r *WebhookRepo) ActiveSubscribers(ctx context.Context, orgID, eventType string) ([]*models.Webhook, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhooks
		WHERE org_id = $1 AND status = 'active' AND deleted_at IS NULL
		  AND (events ? $2 OR events ? '*')`, orgID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscribers: %w", err)
	}
	defer rows.Close()

	var out []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook subscriber: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Update rewrites mutable webhook fields.
func (r *WebhookRepo) Update(ctx context.Context, scope OrgScope, w *models.Webhook) error {
	args := []any{w.ID, w.URL, marshalJSON(w.Events), marshalJSON(w.Headers), w.Status, marshalJSON(w.RetryPolicy)}
	q := `UPDATE webhooks SET url = $2, events = $3, headers = $4, status = $5,
		retry_policy = $6, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL` + scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("webhook")
	}
	return nil
}

// SoftDelete marks a webhook deleted.
func (r *WebhookRepo) SoftDelete(ctx context.Context, scope OrgScope, id string) error {
	args := []any{id}
	q := `UPDATE webhooks SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("webhook")
	}
	return nil
}

// CreateDelivery inserts a delivery record. The (webhookId, eventId) unique
// index dedupes replayed fanout; an existing row reports Conflict.
func (r *WebhookRepo) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_type, event_id, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.WebhookID, d.EventType, d.EventID, d.Payload, d.Status, d.CreatedAt)
	if database.IsUniqueViolation(err, "") {
		return httperr.Conflict("delivery already recorded for event")
	}
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// GetDelivery returns a delivery record by ID.
func (r *WebhookRepo) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := r.db.QueryRow(ctx, `
		SELECT id, webhook_id, event_type, event_id, payload, status, attempts, next_retry_at,
			response_status, response_body, response_time_ms, error, created_at, delivered_at
		FROM webhook_deliveries WHERE id = $1`, id).
		Scan(&d.ID, &d.WebhookID, &d.EventType, &d.EventID, &d.Payload, &d.Status,
			&d.Attempts, &d.NextRetryAt, &d.ResponseStatus, &d.ResponseBody,
			&d.ResponseTimeMs, &d.Error, &d.CreatedAt, &d.DeliveredAt)
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("delivery")
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return &d, nil
}

// ListDeliveries returns a webhook's delivery history, newest first.
func (r *WebhookRepo) ListDeliveries(ctx context.Context, webhookID string, page Page) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, webhook_id, event_type, event_id, payload, status, attempts, next_retry_at,
			response_status, response_body, response_time_ms, error, created_at, delivered_at
		FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY created_at DESC LIMIT $2`, webhookID, page.Bound())
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.EventID, &d.Payload,
			&d.Status, &d.Attempts, &d.NextRetryAt, &d.ResponseStatus, &d.ResponseBody,
			&d.ResponseTimeMs, &d.Error, &d.CreatedAt, &d.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeliveryOutcome is written after each send attempt.
type DeliveryOutcome struct {
	Status         models.DeliveryStatus
	ResponseStatus *int
	ResponseBody   string
	ResponseTimeMs *int64
	Error          string
	NextRetryAt    *time.Time
}

// RecordAttempt updates the delivery row and the webhook's aggregate
// counters in one transaction on q, keeping the statistics consistent with
// the row that justified them.
func (r *WebhookRepo) RecordAttempt(ctx context.Context, q Querier, deliveryID, webhookID string, outcome DeliveryOutcome, at time.Time) error {
	var deliveredAt *time.Time
	if outcome.Status == models.DeliveryStatusDelivered {
		deliveredAt = &at
	}
	_, err := q.Exec(ctx, `
		UPDATE webhook_deliveries SET status = $2, attempts = attempts + 1, next_retry_at = $3,
			response_status = $4, response_body = $5, response_time_ms = $6, error = $7,
			delivered_at = COALESCE(delivered_at, $8)
		WHERE id = $1`,
		deliveryID, outcome.Status, outcome.NextRetryAt, outcome.ResponseStatus,
		truncateBody(outcome.ResponseBody), outcome.ResponseTimeMs, outcome.Error, deliveredAt)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}

	switch outcome.Status {
	case models.DeliveryStatusDelivered:
		_, err = q.Exec(ctx, `
			UPDATE webhooks SET success_count = success_count + 1, last_delivery_at = $2
			WHERE id = $1`, webhookID, at)
	case models.DeliveryStatusFailed:
		_, err = q.Exec(ctx, `
			UPDATE webhooks SET failure_count = failure_count + 1, last_delivery_at = $2
			WHERE id = $1`, webhookID, at)
	}
	if err != nil {
		return fmt.Errorf("update webhook counters: %w", err)
	}
	return nil
}

// Delivery response bodies are kept for debugging but bounded.
func truncateBody(body string) string {
	const maxBody = 4096
	if len(body) > maxBody {
		return body[:maxBody]
	}
	return body
}
