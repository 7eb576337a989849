package ports

import (
	"context"
	"time"

	"netpanel/internal/core/domain"

	"github.com/google/uuid"
)

// WebhookRepository defines persistence operations for webhook
// subscriptions. Implementations back onto a generic record store;
// the notifier core only depends on this contract.
type WebhookRepository interface {
	Create(ctx context.Context, webhook *domain.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Webhook, error)
	List(ctx context.Context, params WebhookListParams) ([]domain.Webhook, int64, error)
	// Update persists all mutable fields of the webhook in one atomic
	// write, so concurrent readers never observe a mix of old and new
	// field values.
	Update(ctx context.Context, webhook *domain.Webhook) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ListEnabled returns a consistent snapshot of all enabled
	// webhooks, used by the dispatcher to resolve event matches.
	ListEnabled(ctx context.Context) ([]domain.Webhook, error)

	// RecordSuccess stamps last_success_at/last_triggered_at and
	// resets the consecutive failure counter. RecordFailure stamps
	// last_error/last_error_at/last_triggered_at and increments the
	// counter by one. Both are single atomic updates and both succeed
	// silently when the webhook no longer exists: a deleted webhook
	// must not fail an in-flight delivery worker.
	RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, message string) error
}

// WebhookListParams holds pagination for listing webhooks.
type WebhookListParams struct {
	Page     int
	PageSize int
}

// DeliveryAttemptRepository defines persistence for the append-only
// delivery attempt log.
type DeliveryAttemptRepository interface {
	Append(ctx context.Context, attempt *domain.DeliveryAttempt) error
	ListByWebhook(ctx context.Context, webhookID uuid.UUID, query AttemptQuery) ([]domain.DeliveryAttempt, error)
	ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]domain.DeliveryAttempt, error)
}

// AttemptQuery bounds an attempt log scan.
type AttemptQuery struct {
	Limit int
	// Since restricts the scan to attempts created at or after the
	// given instant. Zero means unbounded.
	Since time.Time
}
