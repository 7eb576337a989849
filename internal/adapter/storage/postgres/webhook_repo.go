package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"netpanel/internal/core/domain"
	"netpanel/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WebhookRepo implements ports.WebhookRepository over the webhooks table.
type WebhookRepo struct {
	pool Pool
}

// NewWebhookRepo creates a PostgreSQL-backed webhook repository.
func NewWebhookRepo(pool Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

const webhookColumns = `id, url, name, description, events, enabled, retry_enabled, secret_enc,
		last_triggered_at, last_success_at, last_error, last_error_at, consecutive_failures,
		created_at, updated_at`

// Create inserts a new webhook.
func (r *WebhookRepo) Create(ctx context.Context, w *domain.Webhook) error {
	query := `INSERT INTO webhooks (` + webhookColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.pool.Exec(ctx, query,
		w.ID, w.URL, w.Name, w.Description, w.Events, w.Enabled, w.RetryEnabled, w.SecretEnc,
		w.LastTriggeredAt, w.LastSuccessAt, w.LastError, w.LastErrorAt, w.ConsecutiveFailures,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// GetByID fetches a webhook by UUID. Returns (nil, nil) when absent.
func (r *WebhookRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	w, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

// List returns a page of webhooks, newest first, plus the total count.
func (r *WebhookRepo) List(ctx context.Context, params ports.WebhookListParams) ([]domain.Webhook, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhooks`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhooks: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	query := `SELECT ` + webhookColumns + ` FROM webhooks
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, params.PageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	webhooks, err := collectWebhooks(rows)
	if err != nil {
		return nil, 0, err
	}
	return webhooks, total, nil
}

// Update persists all mutable fields in one statement, so a concurrent
// match snapshot sees either the old or the new record, never a mix.
func (r *WebhookRepo) Update(ctx context.Context, w *domain.Webhook) error {
	query := `UPDATE webhooks
		SET url = $2, name = $3, description = $4, events = $5, enabled = $6,
			retry_enabled = $7, secret_enc = $8, updated_at = $9
		WHERE id = $1`

	_, err := r.pool.Exec(ctx, query,
		w.ID, w.URL, w.Name, w.Description, w.Events, w.Enabled,
		w.RetryEnabled, w.SecretEnc, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return nil
}

// Delete removes a webhook. Attempt log rows are retained for audit.
func (r *WebhookRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// ListEnabled returns all enabled webhooks for match resolution.
func (r *WebhookRepo) ListEnabled(ctx context.Context) ([]domain.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE enabled ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list enabled webhooks: %w", err)
	}
	defer rows.Close()

	return collectWebhooks(rows)
}

// RecordSuccess stamps the success timestamps and resets the failure
// counter in one atomic update. Zero rows affected (webhook deleted
// mid-delivery) is not an error.
func (r *WebhookRepo) RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE webhooks
		SET last_triggered_at = $2, last_success_at = $2, consecutive_failures = 0, updated_at = $2
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("record webhook success: %w", err)
	}
	return nil
}

// RecordFailure stamps the error fields and increments the failure
// counter by one, atomically in the store.
func (r *WebhookRepo) RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, message string) error {
	query := `UPDATE webhooks
		SET last_triggered_at = $2, last_error = $3, last_error_at = $2,
			consecutive_failures = consecutive_failures + 1, updated_at = $2
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id, at, message); err != nil {
		return fmt.Errorf("record webhook failure: %w", err)
	}
	return nil
}

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var w domain.Webhook
	if err := row.Scan(
		&w.ID, &w.URL, &w.Name, &w.Description, &w.Events, &w.Enabled, &w.RetryEnabled, &w.SecretEnc,
		&w.LastTriggeredAt, &w.LastSuccessAt, &w.LastError, &w.LastErrorAt, &w.ConsecutiveFailures,
		&w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &w, nil
}

func collectWebhooks(rows pgx.Rows) ([]domain.Webhook, error) {
	var webhooks []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, rows.Err()
}
