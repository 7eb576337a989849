package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the state of one delivery task.
type DeliveryStatus string

const (
	DeliveryStatusPending        DeliveryStatus = "PENDING"
	DeliveryStatusSending        DeliveryStatus = "SENDING"
	DeliveryStatusSucceeded      DeliveryStatus = "SUCCEEDED"
	DeliveryStatusRetryScheduled DeliveryStatus = "RETRY_SCHEDULED"
	DeliveryStatusFailed         DeliveryStatus = "FAILED"
)

// DeliveryAttempt records a single HTTP delivery attempt. Attempts
// sharing a CorrelationID belong to the same event delivery; Attempt
// numbers within a correlation are 1-based and strictly increasing.
// Records are immutable once appended.
type DeliveryAttempt struct {
	ID            uuid.UUID `json:"id"`
	WebhookID     uuid.UUID `json:"webhook_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	EventName     string    `json:"event_name"`
	Attempt       int       `json:"attempt"`
	// HTTPStatus is nil when the attempt failed before a response
	// (DNS, connection refused, timeout).
	HTTPStatus *int      `json:"http_status"`
	LatencyMS  int64     `json:"latency_ms"`
	Success    bool      `json:"success"`
	Error      *string   `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
}
