package postgres

import (
	"context"
	"fmt"

	"netpanel/internal/core/domain"
	"netpanel/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AttemptRepo implements ports.DeliveryAttemptRepository over the
// append-only webhook_delivery_attempts table.
type AttemptRepo struct {
	pool Pool
}

// NewAttemptRepo creates a PostgreSQL-backed delivery attempt log.
func NewAttemptRepo(pool Pool) *AttemptRepo {
	return &AttemptRepo{pool: pool}
}

const attemptColumns = `id, webhook_id, correlation_id, event_name, attempt,
		http_status, latency_ms, success, error, created_at`

// Append inserts one immutable attempt record.
func (r *AttemptRepo) Append(ctx context.Context, a *domain.DeliveryAttempt) error {
	query := `INSERT INTO webhook_delivery_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		a.ID, a.WebhookID, a.CorrelationID, a.EventName, a.Attempt,
		a.HTTPStatus, a.LatencyMS, a.Success, a.Error, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append delivery attempt: %w", err)
	}
	return nil
}

// ListByWebhook returns attempts for one webhook, newest first,
// optionally bounded by a time window and a row limit.
func (r *AttemptRepo) ListByWebhook(ctx context.Context, webhookID uuid.UUID, q ports.AttemptQuery) ([]domain.DeliveryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM webhook_delivery_attempts WHERE webhook_id = $1`
	args := []any{webhookID}

	if !q.Since.IsZero() {
		args = append(args, q.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts by webhook: %w", err)
	}
	defer rows.Close()

	return collectAttempts(rows)
}

// ListByCorrelation returns all attempts of one delivery, ordered by
// attempt number.
func (r *AttemptRepo) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM webhook_delivery_attempts
		WHERE correlation_id = $1 ORDER BY attempt`

	rows, err := r.pool.Query(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list attempts by correlation: %w", err)
	}
	defer rows.Close()

	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]domain.DeliveryAttempt, error) {
	var attempts []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		if err := rows.Scan(
			&a.ID, &a.WebhookID, &a.CorrelationID, &a.EventName, &a.Attempt,
			&a.HTTPStatus, &a.LatencyMS, &a.Success, &a.Error, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
