package ports

import (
	"context"
	"time"

	"netpanel/internal/core/domain"

	"github.com/google/uuid"
)

// SignatureService handles HMAC-SHA256 signing and verification of
// webhook payloads.
type SignatureService interface {
	Sign(secret []byte, payload []byte) string
	Verify(secret []byte, payload []byte, signature string) bool
}

// EncryptionService handles AES-256-GCM encryption of webhook signing
// secrets at rest.
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// DeliveryThrottle bounds how often deliveries may be scheduled for a
// single webhook, protecting receivers from event storms. A nil
// throttle means unlimited.
type DeliveryThrottle interface {
	// Allow reports whether another delivery to the keyed webhook fits
	// the current window.
	Allow(ctx context.Context, key string) (bool, error)
}

// --- Service Ports (Business Logic) ---

// RegistryService manages webhook subscriptions.
type RegistryService interface {
	// Create registers a webhook. The returned secret is the plaintext
	// signing key, exposed only once at creation time.
	Create(ctx context.Context, req CreateWebhookRequest) (*domain.Webhook, string, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Webhook, error)
	List(ctx context.Context, params WebhookListParams) ([]domain.Webhook, int64, error)
	Update(ctx context.Context, id uuid.UUID, req UpdateWebhookRequest) (*domain.Webhook, error)
	Toggle(ctx context.Context, id uuid.UUID) (*domain.Webhook, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// Match returns snapshots of the enabled webhooks subscribed to
	// the event, with plaintext secrets for the delivery path.
	Match(ctx context.Context, eventName string) ([]MatchedWebhook, error)
	// Resolve returns one delivery-ready snapshot regardless of
	// subscription, used by the synthetic test trigger. Disabled
	// webhooks resolve with an error.
	Resolve(ctx context.Context, id uuid.UUID) (*MatchedWebhook, error)
}

// MatchedWebhook pairs a webhook snapshot with its decrypted signing
// secret. It never leaves the dispatch path.
type MatchedWebhook struct {
	Webhook domain.Webhook
	Secret  []byte
}

// CreateWebhookRequest holds validated input for webhook registration.
type CreateWebhookRequest struct {
	URL         string
	Name        string
	Description string
	Events      []string
	// Secret is optional; a random 32-byte key is generated when empty.
	Secret       string
	RetryEnabled bool
}

// UpdateWebhookRequest is a partial update: only non-nil fields change.
type UpdateWebhookRequest struct {
	URL          *string
	Name         *string
	Description  *string
	Events       *[]string
	Enabled      *bool
	RetryEnabled *bool
}

// DispatcherService turns internal state changes into webhook delivery
// tasks. Publish never blocks on network I/O and never fails for
// downstream delivery outcomes.
type DispatcherService interface {
	// Publish schedules one delivery task per matching webhook and
	// returns the correlation id assigned to each. A zero-match event
	// returns an empty slice, not an error.
	Publish(ctx context.Context, eventName string, payload map[string]any) ([]uuid.UUID, error)
	// PublishTest sends a synthetic webhook.test event to one webhook
	// regardless of its subscription set.
	PublishTest(ctx context.Context, webhookID uuid.UUID) (uuid.UUID, error)
	// Close stops intake and waits for in-flight deliveries to finish.
	Close()
}

// StatsService aggregates delivery statistics from the attempt log.
type StatsService interface {
	Stats(ctx context.Context, webhookID uuid.UUID, window time.Duration) (*WebhookStats, error)
}

// WebhookStats summarizes delivery outcomes for one webhook.
type WebhookStats struct {
	TotalAttempts int64   `json:"total_attempts"`
	SuccessCount  int64   `json:"success_count"`
	FailureCount  int64   `json:"failure_count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	LastError     *string `json:"last_error"`
}
